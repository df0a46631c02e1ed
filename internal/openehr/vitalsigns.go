package openehr

import "time"

// Archetypes used by the vital-signs template.
const (
	ArchetypeEncounter     = "openEHR-EHR-COMPOSITION.encounter.v1"
	ArchetypeBloodPressure = "openEHR-EHR-OBSERVATION.blood_pressure.v1"
	ArchetypePulse         = "openEHR-EHR-OBSERVATION.pulse.v1"
)

// DefaultVitalSignsTemplateID is the operational template registered in the repository.
const DefaultVitalSignsTemplateID = "open-cis.vital-signs.v1"

// Semantic fields of a vital-signs record. The set is closed: adding a field
// here requires a matching table entry.
const (
	FieldRecordedAt        = "recorded_at"
	FieldEncounterID       = "encounter_id"
	FieldSystolic          = "systolic"
	FieldDiastolic         = "diastolic"
	FieldBloodPressureTime = "blood_pressure_time"
	FieldPulseRate         = "pulse_rate"
	FieldPulseTime         = "pulse_time"
)

// Observation groups.
const (
	GroupBloodPressure = "blood_pressure"
	GroupPulse         = "pulse"
)

// VitalSigns is the semantic content of one vital-signs composition.
// Nil measurements are absent, not zero.
type VitalSigns struct {
	EncounterID string
	RecordedAt  time.Time
	Systolic    *int
	Diastolic   *int
	PulseRate   *int
}

// Equal compares two records field by field, timestamps by instant.
func (v VitalSigns) Equal(o VitalSigns) bool {
	return v.EncounterID == o.EncounterID &&
		v.RecordedAt.Equal(o.RecordedAt) &&
		intPtrEqual(v.Systolic, o.Systolic) &&
		intPtrEqual(v.Diastolic, o.Diastolic) &&
		intPtrEqual(v.PulseRate, o.PulseRate)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// presentFields lists the populated semantic fields with their values, in a stable order.
func (v VitalSigns) presentFields() []fieldValue {
	var out []fieldValue
	if !v.RecordedAt.IsZero() {
		out = append(out, fieldValue{FieldRecordedAt, v.RecordedAt})
	}
	if v.EncounterID != "" {
		out = append(out, fieldValue{FieldEncounterID, v.EncounterID})
	}
	if v.Systolic != nil {
		out = append(out, fieldValue{FieldSystolic, *v.Systolic})
	}
	if v.Diastolic != nil {
		out = append(out, fieldValue{FieldDiastolic, *v.Diastolic})
	}
	if v.PulseRate != nil {
		out = append(out, fieldValue{FieldPulseRate, *v.PulseRate})
	}
	return out
}

type fieldValue struct {
	field string
	value any
}

// VitalSignsEntries is the path description of the vital-signs template.
func VitalSignsEntries() []TemplatePathEntry {
	return []TemplatePathEntry{
		{
			Field:            FieldRecordedAt,
			ArchetypeID:      ArchetypeEncounter,
			ArchetypePath:    "/context/start_time",
			FlatPathTemplate: "vital_signs/context/start_time",
			Kind:             KindTimestamp,
			Role:             RoleContext,
		},
		{
			Field:            FieldEncounterID,
			ArchetypeID:      ArchetypeEncounter,
			ArchetypePath:    "/context/other_context[at0001]/items[at0002]/value/value",
			FlatPathTemplate: "vital_signs/context/encounter_id",
			Kind:             KindString,
			Role:             RoleContext,
		},
		{
			Field:            FieldSystolic,
			ArchetypeID:      ArchetypeBloodPressure,
			ArchetypePath:    "/data[at0001]/events[at0006]/data[at0003]/items[at0004]/value/magnitude",
			FlatPathTemplate: "vital_signs/blood_pressure:{i}/any_event:{i}/systolic",
			Unit:             "mm[Hg]",
			Kind:             KindNumeric,
			Role:             RoleMeasurement,
			Group:            GroupBloodPressure,
			Range:            &Range{Min: 50, Max: 300},
		},
		{
			Field:            FieldDiastolic,
			ArchetypeID:      ArchetypeBloodPressure,
			ArchetypePath:    "/data[at0001]/events[at0006]/data[at0003]/items[at0005]/value/magnitude",
			FlatPathTemplate: "vital_signs/blood_pressure:{i}/any_event:{i}/diastolic",
			Unit:             "mm[Hg]",
			Kind:             KindNumeric,
			Role:             RoleMeasurement,
			Group:            GroupBloodPressure,
			Range:            &Range{Min: 30, Max: 200},
		},
		{
			Field:            FieldBloodPressureTime,
			ArchetypeID:      ArchetypeBloodPressure,
			ArchetypePath:    "/data[at0001]/events[at0006]/time",
			FlatPathTemplate: "vital_signs/blood_pressure:{i}/any_event:{i}/time",
			Kind:             KindTimestamp,
			Role:             RoleEventTime,
			Group:            GroupBloodPressure,
		},
		{
			Field:            FieldPulseRate,
			ArchetypeID:      ArchetypePulse,
			ArchetypePath:    "/data[at0002]/events[at0003]/data[at0001]/items[at0004]/value/magnitude",
			FlatPathTemplate: "vital_signs/pulse_heart_beat:{i}/any_event:{i}/rate",
			Unit:             "/min",
			Kind:             KindNumeric,
			Role:             RoleMeasurement,
			Group:            GroupPulse,
			Range:            &Range{Min: 20, Max: 300},
		},
		{
			Field:            FieldPulseTime,
			ArchetypeID:      ArchetypePulse,
			ArchetypePath:    "/data[at0002]/events[at0003]/time",
			FlatPathTemplate: "vital_signs/pulse_heart_beat:{i}/any_event:{i}/time",
			Kind:             KindTimestamp,
			Role:             RoleEventTime,
			Group:            GroupPulse,
		},
	}
}

// NewVitalSignsTable builds the vital-signs table under templateID. It fails
// only if the built-in entries are inconsistent.
func NewVitalSignsTable(templateID string) (*Table, error) {
	return NewTable(templateID, VitalSignsEntries())
}
