package vitalsigns

import (
	"fmt"
	"time"

	"github.com/opencis/cis/internal/openehr"
)

// DefaultClockSkew is how far recorded_at may lie ahead of the server clock.
const DefaultClockSkew = 5 * time.Second

// Validate applies the input rules that need no lookups. Bounds come from the
// template table so they cannot drift from what the template accepts.
func Validate(req *CreateRequest, table *openehr.Table, now time.Time, skew time.Duration) error {
	if req.EncounterID == nil {
		return &ValidationError{Field: "encounter_id", Reason: "is required"}
	}
	if req.Systolic == nil && req.Diastolic == nil && req.PulseRate == nil {
		return &ValidationError{Field: "vital_signs", Reason: "at least one of systolic, diastolic or pulse_rate is required"}
	}
	if req.Systolic != nil && req.Diastolic == nil {
		return &ValidationError{Field: openehr.FieldDiastolic, Reason: "is required when systolic is given"}
	}
	if req.Diastolic != nil && req.Systolic == nil {
		return &ValidationError{Field: openehr.FieldSystolic, Reason: "is required when diastolic is given"}
	}

	for _, m := range []struct {
		field string
		value *int
	}{
		{openehr.FieldSystolic, req.Systolic},
		{openehr.FieldDiastolic, req.Diastolic},
		{openehr.FieldPulseRate, req.PulseRate},
	} {
		if m.value == nil {
			continue
		}
		entry, err := table.Resolve(m.field)
		if err != nil {
			return err
		}
		if entry.Range != nil && !entry.Range.Contains(*m.value) {
			return &ValidationError{
				Field:  m.field,
				Reason: fmt.Sprintf("must be between %d and %d %s", entry.Range.Min, entry.Range.Max, entry.Unit),
			}
		}
	}

	if req.RecordedAt != nil && req.RecordedAt.After(now.Add(skew)) {
		return &ValidationError{Field: "recorded_at", Reason: "must not be in the future"}
	}
	return nil
}
