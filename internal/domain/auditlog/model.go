// Package auditlog stores one row per API request and lets administrators
// page through them.
package auditlog

import (
	"time"

	"github.com/opencis/cis/internal/platform/middleware"
)

type Entry struct {
	ID           int64     `json:"id"`
	RecordedAt   time.Time `json:"recorded_at"`
	RequestID    *string   `json:"request_id,omitempty"`
	UserID       string    `json:"user_id"`
	Roles        []string  `json:"roles"`
	Action       string    `json:"action"`
	ResourceType *string   `json:"resource_type,omitempty"`
	ResourceID   *string   `json:"resource_id,omitempty"`
	PatientID    *string   `json:"patient_id,omitempty"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	StatusCode   int       `json:"status_code"`
	RemoteIP     *string   `json:"remote_ip,omitempty"`
}

// FromAccess converts what the audit middleware captured into a row.
// Anonymous requests are stored under user "anonymous".
func FromAccess(a middleware.AuditEntry) *Entry {
	e := &Entry{
		RecordedAt:   a.Timestamp,
		RequestID:    optional(a.RequestID),
		UserID:       a.UserID,
		Roles:        a.UserRoles,
		Action:       a.Action,
		ResourceType: optional(a.ResourceType),
		ResourceID:   optional(a.ResourceID),
		PatientID:    optional(a.PatientID),
		Method:       a.Method,
		Path:         a.Path,
		StatusCode:   a.StatusCode,
		RemoteIP:     optional(a.IPAddress),
	}
	if e.UserID == "" {
		e.UserID = "anonymous"
	}
	if e.Roles == nil {
		e.Roles = []string{}
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	return e
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Filter narrows a listing. Empty fields match everything.
type Filter struct {
	UserID    string
	PatientID string
	Action    string
	Since     *time.Time
}
