package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opencis/cis/internal/config"
	"github.com/opencis/cis/internal/openehr/ehrbase"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "cis-server",
		Short:        "Clinical information system API with an openEHR backend",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(templatesCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func newEHRbaseClient(cfg *config.Config, logger zerolog.Logger) *ehrbase.Client {
	opts := []ehrbase.Option{
		ehrbase.WithTimeout(cfg.EHRbaseTimeout),
		ehrbase.WithLogger(logger.With().Str("component", "ehrbase").Logger()),
	}
	if cfg.EHRbaseUser != "" {
		opts = append(opts, ehrbase.WithBasicAuth(cfg.EHRbaseUser, cfg.EHRbasePassword))
	}
	return ehrbase.New(cfg.EHRbaseURL, opts...)
}
