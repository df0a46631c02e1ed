// Package vitalsigns records blood pressure and pulse readings as openEHR
// compositions and returns every reading with the metadata that explains
// where each value lives in the composition.
package vitalsigns

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencis/cis/internal/openehr"
)

// CreateRequest is the body of POST /vital-signs. Absent measurements are nil.
type CreateRequest struct {
	PatientID   uuid.UUID  `json:"patient_id"`
	EncounterID *uuid.UUID `json:"encounter_id"`
	RecordedAt  *time.Time `json:"recorded_at,omitempty"`
	Systolic    *int       `json:"systolic,omitempty"`
	Diastolic   *int       `json:"diastolic,omitempty"`
	PulseRate   *int       `json:"pulse_rate,omitempty"`
}

// Reading is one stored vital-signs composition as read back from the repository.
type Reading struct {
	ID              string           `json:"id"`
	PatientID       uuid.UUID        `json:"patient_id"`
	EncounterID     string           `json:"encounter_id,omitempty"`
	RecordedAt      time.Time        `json:"recorded_at"`
	Systolic        *int             `json:"systolic"`
	Diastolic       *int             `json:"diastolic"`
	PulseRate       *int             `json:"pulse_rate"`
	OpenEHRMetadata openehr.Metadata `json:"openehr_metadata"`
}

func newReading(patientID uuid.UUID, rec openehr.VitalSigns, meta openehr.Metadata) *Reading {
	return &Reading{
		ID:              meta.CompositionUID,
		PatientID:       patientID,
		EncounterID:     rec.EncounterID,
		RecordedAt:      rec.RecordedAt,
		Systolic:        rec.Systolic,
		Diastolic:       rec.Diastolic,
		PulseRate:       rec.PulseRate,
		OpenEHRMetadata: meta,
	}
}

// ListQuery selects the readings of one patient, newest first.
type ListQuery struct {
	PatientID uuid.UUID
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

type ListResponse struct {
	Items []*Reading `json:"items"`
	Total int        `json:"total"`
}

// ValidationError names the request field that was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NotFoundError reports a patient, encounter or composition that does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}
