package vitalsigns

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/opencis/cis/internal/openehr"
	"github.com/opencis/cis/internal/openehr/ehrbase"
	"github.com/opencis/cis/internal/platform/auth"
	"github.com/opencis/cis/pkg/pagination"
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
	g.POST("/vital-signs", h.Record)
	g.GET("/vital-signs", h.List)
	g.GET("/vital-signs/:uid", h.Get)
	g.DELETE("/vital-signs/:uid", h.Delete)
}

// createBody shadows the id fields of CreateRequest so that a malformed id is
// reported against its field instead of failing the whole bind.
type createBody struct {
	CreateRequest
	PatientID   string  `json:"patient_id"`
	EncounterID *string `json:"encounter_id"`
}

func (h *Handler) Record(c echo.Context) error {
	var body createBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req := body.CreateRequest
	if body.PatientID == "" {
		return fieldError("patient_id", "is required")
	}
	pid, err := uuid.Parse(body.PatientID)
	if err != nil {
		return fieldError("patient_id", "must be a uuid")
	}
	req.PatientID = pid
	if body.EncounterID != nil {
		eid, err := uuid.Parse(*body.EncounterID)
		if err != nil {
			return fieldError("encounter_id", "must be a uuid")
		}
		req.EncounterID = &eid
	}
	r, err := h.svc.Record(c.Request().Context(), req)
	if err != nil {
		return httpError(h.logger, c, err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) List(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	q := ListQuery{PatientID: pid}
	if q.From, err = dateParam(c, "from_date"); err != nil {
		return err
	}
	if q.To, err = dateParam(c, "to_date"); err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	q.Limit, q.Offset = pg.Limit, pg.Offset

	resp, err := h.svc.List(c.Request().Context(), q)
	if err != nil {
		return httpError(h.logger, c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Get(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	format, err := ehrbase.ParseFormat(c.QueryParam("format"))
	if err != nil {
		return fieldError("format", "must be FLAT or STRUCTURED")
	}
	r, err := h.svc.GetAs(c.Request().Context(), pid, c.Param("uid"), format)
	if err != nil {
		return httpError(h.logger, c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Delete(c echo.Context) error {
	pid, err := patientParam(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), pid, c.Param("uid")); err != nil {
		return httpError(h.logger, c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func patientParam(c echo.Context) (uuid.UUID, error) {
	raw := c.QueryParam("patient_id")
	if raw == "" {
		return uuid.Nil, fieldError("patient_id", "is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fieldError("patient_id", "must be a uuid")
	}
	return id, nil
}

func dateParam(c echo.Context, name string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, fieldError(name, "must be an RFC 3339 timestamp or a date")
	}
	return &t, nil
}

func fieldError(field, message string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, echo.Map{"field": field, "message": message})
}

// httpError maps service errors to responses. Template drift and unreadable
// compositions are logged in full and answered with an opaque 500.
func httpError(logger zerolog.Logger, c echo.Context, err error) error {
	var (
		ve  *ValidationError
		nf  *NotFoundError
		ue  *ehrbase.UpstreamError
		uf  *openehr.UnknownFieldError
		mc  *openehr.MalformedCompositionError
		ut  *openehr.UnknownTemplateError
		ehe *echo.HTTPError
	)
	switch {
	case errors.As(err, &ve):
		return fieldError(ve.Field, ve.Reason)
	case errors.As(err, &nf):
		return echo.NewHTTPError(http.StatusNotFound, nf.Error())
	case errors.As(err, &ue):
		logger.Warn().Err(err).Str("request_id", requestID(c)).Int("upstream_status", ue.StatusCode).Msg("openehr repository call failed")
		return echo.NewHTTPError(ue.HTTPStatus(), ue.Error()).SetInternal(err)
	case errors.As(err, &mc):
		logger.Error().Err(err).
			Str("request_id", requestID(c)).
			Str("composition_uid", mc.CompositionUID).
			Str("field", mc.Field).
			Str("flat_path", mc.FlatPath).
			Interface("value", mc.Value).
			Msg("composition does not match template")
	case errors.As(err, &uf):
		logger.Error().Err(err).Str("request_id", requestID(c)).Str("template_id", uf.TemplateID).Str("field", uf.Field).Msg("template table drift")
	case errors.As(err, &ut):
		logger.Error().Err(err).Str("request_id", requestID(c)).Str("template_id", ut.TemplateID).Msg("template not configured")
	case errors.As(err, &ehe):
		return ehe
	default:
		logger.Error().Err(err).Str("request_id", requestID(c)).Msg("vital signs request failed")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}
