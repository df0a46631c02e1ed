package encounter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Encounter is a visit that vital signs are recorded against.
type Encounter struct {
	ID           uuid.UUID  `json:"id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Reason       *string    `json:"reason,omitempty"`
	ProviderName *string    `json:"provider_name,omitempty"`
	Location     *string    `json:"location,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

const (
	TypeAmbulatory = "ambulatory"
	TypeEmergency  = "emergency"
	TypeInpatient  = "inpatient"
	TypeVirtual    = "virtual"
	TypeHome       = "home"
	TypeField      = "field"

	StatusPlanned    = "planned"
	StatusInProgress = "in-progress"
	StatusFinished   = "finished"
	StatusCancelled  = "cancelled"
)

var validTypes = map[string]bool{
	TypeAmbulatory: true,
	TypeEmergency:  true,
	TypeInpatient:  true,
	TypeVirtual:    true,
	TypeHome:       true,
	TypeField:      true,
}

// transitions lists the statuses each status may move to.
var transitions = map[string][]string{
	StatusPlanned:    {StatusInProgress, StatusFinished, StatusCancelled},
	StatusInProgress: {StatusFinished, StatusCancelled},
	StatusFinished:   nil,
	StatusCancelled:  nil,
}

func validStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether an encounter in status from may move to to.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var ErrNotFound = errors.New("encounter not found")

// ValidationError names the request field that was rejected.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

const (
	maxReasonLength   = 500
	maxProviderLength = 100
	maxLocationLength = 100
)

type CreateRequest struct {
	PatientID    uuid.UUID  `json:"patient_id"`
	Type         string     `json:"type"`
	Status       string     `json:"status,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Reason       *string    `json:"reason,omitempty"`
	ProviderName *string    `json:"provider_name,omitempty"`
	Location     *string    `json:"location,omitempty"`
}

// Validate checks the request and fills defaults: status planned, start now.
func (r *CreateRequest) Validate(now time.Time) error {
	if r.PatientID == uuid.Nil {
		return &ValidationError{Field: "patient_id", Message: "is required"}
	}
	r.Type = strings.TrimSpace(r.Type)
	if !validTypes[r.Type] {
		return &ValidationError{Field: "type", Message: "must be one of ambulatory, emergency, inpatient, virtual, home, field"}
	}
	if r.Status == "" {
		r.Status = StatusPlanned
	}
	if !validStatus(r.Status) {
		return &ValidationError{Field: "status", Message: "must be one of planned, in-progress, finished, cancelled"}
	}
	if r.StartTime == nil {
		t := now.UTC()
		r.StartTime = &t
	}
	if r.EndTime != nil && r.EndTime.Before(*r.StartTime) {
		return &ValidationError{Field: "end_time", Message: "must not be before start_time"}
	}
	return validateText(r.Reason, r.ProviderName, r.Location)
}

// UpdateRequest is the body of PATCH /encounters/:id. Nil fields are kept.
type UpdateRequest struct {
	Status       *string    `json:"status,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Reason       *string    `json:"reason,omitempty"`
	ProviderName *string    `json:"provider_name,omitempty"`
	Location     *string    `json:"location,omitempty"`
}

// Apply validates the update against enc and applies it. Finishing an
// encounter without an end time closes it at now.
func (r *UpdateRequest) Apply(enc *Encounter, now time.Time) error {
	if err := validateText(r.Reason, r.ProviderName, r.Location); err != nil {
		return err
	}
	if r.Status != nil {
		if !validStatus(*r.Status) {
			return &ValidationError{Field: "status", Message: "must be one of planned, in-progress, finished, cancelled"}
		}
		if !CanTransition(enc.Status, *r.Status) {
			return &ValidationError{Field: "status", Message: fmt.Sprintf("cannot change from %s to %s", enc.Status, *r.Status)}
		}
	}

	end := enc.EndTime
	if r.EndTime != nil {
		end = r.EndTime
	}
	if r.Status != nil && *r.Status == StatusFinished && end == nil {
		t := now.UTC()
		end = &t
	}
	if end != nil && end.Before(enc.StartTime) {
		return &ValidationError{Field: "end_time", Message: "must not be before start_time"}
	}

	if r.Status != nil {
		enc.Status = *r.Status
	}
	enc.EndTime = end
	if r.Reason != nil {
		enc.Reason = r.Reason
	}
	if r.ProviderName != nil {
		enc.ProviderName = r.ProviderName
	}
	if r.Location != nil {
		enc.Location = r.Location
	}
	return nil
}

func validateText(reason, provider, location *string) error {
	if reason != nil && len(*reason) > maxReasonLength {
		return &ValidationError{Field: "reason", Message: fmt.Sprintf("must be at most %d characters", maxReasonLength)}
	}
	if provider != nil && len(*provider) > maxProviderLength {
		return &ValidationError{Field: "provider_name", Message: fmt.Sprintf("must be at most %d characters", maxProviderLength)}
	}
	if location != nil && len(*location) > maxLocationLength {
		return &ValidationError{Field: "location", Message: fmt.Sprintf("must be at most %d characters", maxLocationLength)}
	}
	return nil
}
