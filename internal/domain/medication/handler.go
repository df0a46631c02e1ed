package medication

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/opencis/cis/internal/domain/patient"
	"github.com/opencis/cis/internal/openehr/ehrbase"
	"github.com/opencis/cis/internal/platform/auth"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.ClinicalRoles...))
	g.GET("/medications/patient/:patient_id", h.ListPatientMedications)
}

func (h *Handler) ListPatientMedications(c echo.Context) error {
	pid, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, echo.Map{"field": "patient_id", "message": "must be a uuid"})
	}
	orders, err := h.svc.ListForPatient(c.Request().Context(), pid)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, ListResponse{Medications: orders})
}

func (h *Handler) httpError(c echo.Context, err error) error {
	var ue *ehrbase.UpstreamError
	switch {
	case errors.Is(err, patient.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.As(err, &ue):
		h.logger.Warn().Err(err).
			Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
			Int("upstream_status", ue.StatusCode).
			Msg("medication query failed")
		return echo.NewHTTPError(ue.HTTPStatus(), ue.Error()).SetInternal(err)
	}
	h.logger.Error().Err(err).Msg("medication request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}
