package auditlog

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/opencis/cis/internal/platform/auth"
)

func newTestServer(repo *mockRepo) *echo.Echo {
	e := echo.New()
	api := e.Group("/api/v1", auth.DevAuthMiddleware())
	NewHandler(NewService(repo)).RegisterRoutes(api)
	return e
}

func seed(repo *mockRepo) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, user := range []string{"alice", "bob", "alice"} {
		repo.entries = append(repo.entries, &Entry{
			ID:         int64(i + 1),
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
			UserID:     user,
			Roles:      []string{},
			Action:     "read",
			Method:     http.MethodGet,
			Path:       "/api/v1/patients",
			StatusCode: 200,
		})
	}
}

func TestListAuditLogs(t *testing.T) {
	repo := &mockRepo{}
	seed(repo)
	e := newTestServer(repo)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs?user_id=alice&limit=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data    []Entry `json:"data"`
		Total   int     `json:"total"`
		HasMore bool    `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 2 || len(body.Data) != 1 || !body.HasMore {
		t.Fatalf("unexpected page %s", rec.Body.String())
	}
	if body.Data[0].ID != 3 {
		t.Errorf("expected newest entry first, got %d", body.Data[0].ID)
	}
	if repo.filter.UserID != "alice" {
		t.Errorf("filter not passed: %+v", repo.filter)
	}
}

func TestListAuditLogs_AdminOnly(t *testing.T) {
	e := newTestServer(&mockRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs", nil)
	req.Header.Set(auth.DevAuthHeaderRoles, "physician")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestListAuditLogs_BadSince(t *testing.T) {
	e := newTestServer(&mockRepo{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs?since=yesterday", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestListAuditLogs_Empty(t *testing.T) {
	e := newTestServer(&mockRepo{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs", nil))
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if data, ok := body["data"].([]any); !ok || len(data) != 0 {
		t.Errorf("expected empty data array, got %s", rec.Body.String())
	}
}
