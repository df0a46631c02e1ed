package auditlog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/opencis/cis/internal/platform/auth"
	"github.com/opencis/cis/internal/platform/middleware"
)

type mockRepo struct {
	mu      sync.Mutex
	entries []*Entry
	filter  Filter
}

func (m *mockRepo) Insert(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = f
	var out []*Entry
	for _, e := range m.entries {
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func TestFromAccess(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	e := FromAccess(middleware.AuditEntry{
		Timestamp:    at,
		UserID:       "u1",
		UserRoles:    []string{"nurse"},
		Action:       "read",
		ResourceType: "patients",
		Method:       http.MethodGet,
		Path:         "/api/v1/patients",
		StatusCode:   200,
		IPAddress:    "10.0.0.1",
	})
	if !e.RecordedAt.Equal(at) || e.UserID != "u1" || e.Roles[0] != "nurse" {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.ResourceID != nil || e.PatientID != nil || e.RequestID != nil {
		t.Error("empty strings must be stored as NULL")
	}
	if e.RemoteIP == nil || *e.RemoteIP != "10.0.0.1" {
		t.Errorf("unexpected remote ip %v", e.RemoteIP)
	}

	anon := FromAccess(middleware.AuditEntry{Method: http.MethodGet, Path: "/api/v1/x"})
	if anon.UserID != "anonymous" || anon.Roles == nil || anon.RecordedAt.IsZero() {
		t.Errorf("unexpected anonymous entry %+v", anon)
	}
}

func TestService_RecordsThroughMiddleware(t *testing.T) {
	repo := &mockRepo{}
	svc := NewService(repo)

	e := echo.New()
	e.Use(middleware.RequestID())
	api := e.Group("/api/v1", auth.DevAuthMiddleware(), middleware.Audit(zerolog.Nop(), svc))
	api.GET("/patients/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/6f1c2d1e-8a57-4d0c-9f0e-2f4b8d1f3a10", nil)
	req.Header.Set(auth.DevAuthHeaderRoles, "physician")
	e.ServeHTTP(httptest.NewRecorder(), req)
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(repo.entries))
	}
	got := repo.entries[0]
	if got.UserID != "dev-user" || got.Action != "read" || got.StatusCode != http.StatusOK {
		t.Errorf("unexpected row %+v", got)
	}
	if got.RequestID == nil || *got.RequestID == "" {
		t.Error("expected request id to be recorded")
	}
	if len(got.Roles) != 1 || got.Roles[0] != "physician" {
		t.Errorf("unexpected roles %v", got.Roles)
	}
}
