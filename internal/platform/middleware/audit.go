package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/opencis/cis/internal/platform/auth"
)

// AuditEntry describes one access to the API: who, what, when, from where.
type AuditEntry struct {
	Timestamp    time.Time
	RequestID    string
	UserID       string
	UserRoles    []string
	Action       string // read, create, update, delete
	ResourceType string
	ResourceID   string
	PatientID    string
	Method       string
	Path         string
	StatusCode   int
	IPAddress    string
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(ctx context.Context, entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(ctx context.Context, entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}

const apiPrefix = "/api/v1/"

// Audit records every /api/v1 request after the handler ran. A failing
// recorder is logged and never fails the request. Without a recorder the
// entry is only logged.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			entry := AuditEntry{
				Timestamp:    time.Now().UTC(),
				UserID:       auth.UserIDFromContext(ctx),
				UserRoles:    auth.RolesFromContext(ctx),
				Action:       httpMethodToAction(req.Method),
				ResourceType: extractResourceType(path),
				ResourceID:   extractResourceID(path),
				PatientID:    extractPatientID(c),
				Method:       req.Method,
				Path:         path,
				StatusCode:   responseStatus(c, err),
				IPAddress:    c.RealIP(),
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			if recorder != nil {
				// The request context may already be cancelled by a timeout.
				if recErr := recorder.RecordAccess(context.WithoutCancel(ctx), entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("action", entry.Action).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID).
				Str("patient_id", entry.PatientID).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

// responseStatus is the status the client will see, including errors echo
// has not rendered yet.
func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	if c.Response().Committed {
		return c.Response().Status
	}
	return http.StatusInternalServerError
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

func apiSegments(path string) []string {
	return strings.Split(strings.Trim(strings.TrimPrefix(path, apiPrefix), "/"), "/")
}

// extractResourceType returns the first path segment:
//
//	/api/v1/vital-signs/abc -> vital-signs
//	/api/v1/openehr/compositions/x -> openehr
func extractResourceType(path string) string {
	segs := apiSegments(path)
	if len(segs) > 0 && segs[0] != "" {
		return segs[0]
	}
	return "unknown"
}

// extractResourceID returns the segment after the resource type, if it
// identifies something rather than naming a sub-collection.
func extractResourceID(path string) string {
	segs := apiSegments(path)
	if len(segs) < 2 {
		return ""
	}
	switch segs[1] {
	case "patient", "mrn", "templates", "compositions", "archetypes":
		if len(segs) > 2 {
			return segs[2]
		}
		return ""
	}
	return segs[1]
}

// extractPatientID finds the patient an access concerns, from the path
// (/patients/<uuid>, /encounters/patient/<uuid>) or the patient_id query.
func extractPatientID(c echo.Context) string {
	segs := apiSegments(c.Request().URL.Path)
	switch {
	case len(segs) >= 2 && segs[0] == "patients" && isUUID(segs[1]):
		return segs[1]
	case len(segs) >= 3 && segs[1] == "patient" && isUUID(segs[2]):
		return segs[2]
	}
	return c.QueryParam("patient_id")
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
