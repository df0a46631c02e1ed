package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opencis/cis/internal/config"
	"github.com/opencis/cis/internal/domain/auditlog"
	"github.com/opencis/cis/internal/domain/encounter"
	"github.com/opencis/cis/internal/domain/medication"
	"github.com/opencis/cis/internal/domain/patient"
	"github.com/opencis/cis/internal/domain/vitalsigns"
	"github.com/opencis/cis/internal/openehr"
	"github.com/opencis/cis/internal/openehr/ehrbase"
	"github.com/opencis/cis/internal/platform/auth"
	"github.com/opencis/cis/internal/platform/db"
	"github.com/opencis/cis/internal/platform/middleware"
	"github.com/opencis/cis/internal/platform/websocket"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	ehr := newEHRbaseClient(cfg, logger)
	if err := checkTemplate(ctx, ehr, cfg.VitalSignsTemplateID); err != nil {
		if cfg.RequireTemplates {
			logger.Fatal().Err(err).Msg("required template missing")
		}
		logger.Warn().Err(err).Msg("vital signs template not verified; recording will fail until it is uploaded")
	}

	e, err := newServer(cfg, logger, pool, ehr)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires the HTTP surface. The path table is built here, once, and
// shared read-only by every request.
func newServer(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, ehr *ehrbase.Client) (*echo.Echo, error) {
	table, err := openehr.NewVitalSignsTable(cfg.VitalSignsTemplateID)
	if err != nil {
		return nil, fmt.Errorf("vital signs path table: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	authMW := auth.DevAuthMiddleware()
	if !cfg.IsDev() {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		})
	}

	auditSvc := auditlog.NewService(auditlog.NewRepoPG(pool))
	apiV1 := e.Group("/api/v1", authMW, middleware.Audit(logger, auditSvc))

	hub := websocket.NewHub(logger.With().Str("component", "websocket").Logger())
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group("", authMW))

	patientSvc := patient.NewService(patient.NewRepo(pool), ehr)
	patientSvc.SetEventPublisher(hub)
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)

	encounterSvc := encounter.NewService(encounter.NewRepo(pool), patientSvc)
	encounterSvc.SetEventPublisher(hub)
	encounter.NewHandler(encounterSvc).RegisterRoutes(apiV1)

	vsLogger := logger.With().Str("component", "vitalsigns").Logger()
	vsSvc := vitalsigns.NewService(ehr, patientSvc, encounterSvc, table, vitalsigns.Config{
		Context:   openehr.Context{ComposerName: cfg.ComposerName},
		ClockSkew: cfg.ClockSkew,
	})
	vsSvc.SetEventPublisher(hub)
	vsSvc.SetLogger(vsLogger)
	vitalsigns.NewHandler(vsSvc, vsLogger).RegisterRoutes(apiV1)
	vitalsigns.NewTransparencyHandler(vsSvc, ehr, vsLogger).RegisterRoutes(apiV1)

	medication.NewHandler(medication.NewService(ehr, patientSvc),
		logger.With().Str("component", "medication").Logger()).RegisterRoutes(apiV1)

	auditlog.NewHandler(auditSvc).RegisterRoutes(apiV1)

	return e, nil
}
