package openehr

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func intp(v int) *int { return &v }

func newCodec(t *testing.T) (*Encoder, *Decoder) {
	t.Helper()
	table := mustTable(t)
	return NewEncoder(table, Context{ComposerName: "Dr. Test"}), NewDecoder(table)
}

var recordedAt = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func TestEncode_SkipsAbsentFields(t *testing.T) {
	enc, _ := newCodec(t)

	env, err := enc.Encode("ehr-1", VitalSigns{
		EncounterID: "enc-1",
		RecordedAt:  recordedAt,
		PulseRate:   intp(72),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for k := range env.Values {
		if strings.Contains(k, "blood_pressure") {
			t.Errorf("unexpected blood pressure key %s for pulse-only record", k)
		}
	}
	if env.Values["vital_signs/pulse_heart_beat:0/any_event:0/rate|magnitude"] != 72 {
		t.Errorf("missing pulse magnitude: %v", env.Values)
	}
	if env.Values["vital_signs/pulse_heart_beat:0/any_event:0/rate|unit"] != "/min" {
		t.Errorf("missing pulse unit")
	}
	if env.Values["vital_signs/pulse_heart_beat:0/any_event:0/time"] != "2025-03-14T09:26:53Z" {
		t.Errorf("missing pulse event time: %v", env.Values["vital_signs/pulse_heart_beat:0/any_event:0/time"])
	}
	if env.TemplateID != DefaultVitalSignsTemplateID || env.EHRID != "ehr-1" {
		t.Errorf("unexpected envelope header %s/%s", env.TemplateID, env.EHRID)
	}
}

func TestEncode_ContextConstants(t *testing.T) {
	enc, _ := newCodec(t)

	env, err := enc.Encode("ehr-1", VitalSigns{EncounterID: "e", RecordedAt: recordedAt, PulseRate: intp(60)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]any{
		"ctx/language":                     "en",
		"ctx/territory":                    "US",
		"ctx/composer_name":                "Dr. Test",
		"ctx/time":                         "2025-03-14T09:26:53Z",
		"vital_signs/category|code":        "433",
		"vital_signs/context/setting|code": "238",
		"vital_signs/context/encounter_id": "e",
	}
	for k, v := range want {
		if env.Values[k] != v {
			t.Errorf("%s: expected %v, got %v", k, v, env.Values[k])
		}
	}
}

func TestEncode_KeysDependOnlyOnPresence(t *testing.T) {
	enc, _ := newCodec(t)

	a, _ := enc.Encode("x", VitalSigns{EncounterID: "e", RecordedAt: recordedAt, Systolic: intp(120), Diastolic: intp(80)})
	b, _ := enc.Encode("y", VitalSigns{EncounterID: "f", RecordedAt: recordedAt.Add(time.Hour), Systolic: intp(90), Diastolic: intp(60)})
	if !reflect.DeepEqual(keys(a.Values), keys(b.Values)) {
		t.Errorf("key sets differ:\n%v\n%v", keys(a.Values), keys(b.Values))
	}
}

func keys(m map[string]any) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	enc, dec := newCodec(t)

	records := []VitalSigns{
		{EncounterID: "e1", RecordedAt: recordedAt, Systolic: intp(120), Diastolic: intp(80), PulseRate: intp(72)},
		{EncounterID: "e2", RecordedAt: recordedAt, Systolic: intp(50), Diastolic: intp(30)},
		{EncounterID: "e3", RecordedAt: recordedAt.Add(123 * time.Millisecond), PulseRate: intp(300)},
	}
	for _, rec := range records {
		env, err := enc.Encode("ehr-1", rec)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, _, err := dec.Decode(env.Values, "uid::node::1", "ehr-1", env.TemplateID)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !got.Equal(rec) {
			t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, rec)
		}
	}
}

// The repository echoes JSON, so numbers come back as float64 or json.Number.
func TestRoundTrip_ThroughJSON(t *testing.T) {
	enc, dec := newCodec(t)
	rec := VitalSigns{EncounterID: "e1", RecordedAt: recordedAt, Systolic: intp(118), Diastolic: intp(76)}

	env, _ := enc.Encode("ehr-1", rec)
	raw, err := json.Marshal(env.Values)
	if err != nil {
		t.Fatal(err)
	}
	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		t.Fatal(err)
	}

	got, meta, err := dec.Decode(values, "uid", "ehr-1", DefaultVitalSignsTemplateID)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Equal(rec) {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(meta.PathMappings) != 2 {
		t.Errorf("expected 2 path mappings, got %d", len(meta.PathMappings))
	}
}

func TestDecode_Metadata(t *testing.T) {
	enc, dec := newCodec(t)

	env, _ := enc.Encode("ehr-9", VitalSigns{EncounterID: "e", RecordedAt: recordedAt, Systolic: intp(120), Diastolic: intp(80), PulseRate: intp(72)})
	_, meta, err := dec.Decode(env.Values, "uid-9", "ehr-9", DefaultVitalSignsTemplateID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if meta.CompositionUID != "uid-9" || meta.EHRID != "ehr-9" || meta.TemplateID != DefaultVitalSignsTemplateID {
		t.Errorf("unexpected header %+v", meta)
	}
	wantArchetypes := []string{ArchetypeEncounter, ArchetypeBloodPressure, ArchetypePulse}
	if !reflect.DeepEqual(meta.ArchetypeIDs, wantArchetypes) {
		t.Errorf("expected archetypes %v, got %v", wantArchetypes, meta.ArchetypeIDs)
	}
	var fields []string
	for _, pm := range meta.PathMappings {
		fields = append(fields, pm.Field)
	}
	if !reflect.DeepEqual(fields, []string{FieldSystolic, FieldDiastolic, FieldPulseRate}) {
		t.Errorf("unexpected mapped fields %v", fields)
	}
	sys := meta.PathMappings[0]
	if sys.FlatPath != "vital_signs/blood_pressure:0/any_event:0/systolic|magnitude" {
		t.Errorf("unexpected flat path %s", sys.FlatPath)
	}
	if sys.ArchetypePath != "/data[at0001]/events[at0006]/data[at0003]/items[at0004]/value/magnitude" {
		t.Errorf("unexpected archetype path %s", sys.ArchetypePath)
	}
	if sys.Value != 120 {
		t.Errorf("expected raw value 120, got %v", sys.Value)
	}
}

func TestDecode_PulseOnlyOmitsBloodPressure(t *testing.T) {
	enc, dec := newCodec(t)

	env, _ := enc.Encode("ehr", VitalSigns{EncounterID: "e", RecordedAt: recordedAt, PulseRate: intp(72)})
	rec, meta, err := dec.Decode(env.Values, "uid", "ehr", DefaultVitalSignsTemplateID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Systolic != nil || rec.Diastolic != nil {
		t.Error("expected no blood pressure values")
	}
	if len(meta.PathMappings) != 1 || meta.PathMappings[0].Field != FieldPulseRate {
		t.Errorf("expected single pulse mapping, got %+v", meta.PathMappings)
	}
	for _, id := range meta.ArchetypeIDs {
		if id == ArchetypeBloodPressure {
			t.Error("blood pressure archetype should be absent")
		}
	}
}

func TestDecode_Idempotent(t *testing.T) {
	enc, dec := newCodec(t)

	env, _ := enc.Encode("ehr", VitalSigns{EncounterID: "e", RecordedAt: recordedAt, Systolic: intp(140), Diastolic: intp(90), PulseRate: intp(88)})
	r1, m1, err1 := dec.Decode(env.Values, "uid", "ehr", DefaultVitalSignsTemplateID)
	r2, m2, err2 := dec.Decode(env.Values, "uid", "ehr", DefaultVitalSignsTemplateID)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v %v", err1, err2)
	}
	if !r1.Equal(r2) {
		t.Error("records differ between decodes")
	}
	if !reflect.DeepEqual(m1, m2) {
		t.Errorf("metadata differs between decodes:\n%+v\n%+v", m1, m2)
	}
}

func TestDecode_UnitFromTable(t *testing.T) {
	_, dec := newCodec(t)

	values := map[string]any{
		"vital_signs/context/start_time":                               "2025-03-14T09:26:53Z",
		"vital_signs/blood_pressure:0/any_event:0/systolic|magnitude":  float64(120),
		"vital_signs/blood_pressure:0/any_event:0/systolic|unit":       "kPa",
		"vital_signs/blood_pressure:0/any_event:0/diastolic|magnitude": float64(80),
		"vital_signs/pulse_heart_beat:0/any_event:0/rate|magnitude":    float64(70),
		"vital_signs/pulse_heart_beat:0/any_event:0/rate|unit":         "bpm",
	}
	_, meta, err := dec.Decode(values, "uid", "ehr", DefaultVitalSignsTemplateID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]string{FieldSystolic: "mm[Hg]", FieldDiastolic: "mm[Hg]", FieldPulseRate: "/min"}
	for _, pm := range meta.PathMappings {
		if pm.Unit == nil || *pm.Unit != want[pm.Field] {
			t.Errorf("%s: expected unit %s, got %v", pm.Field, want[pm.Field], pm.Unit)
		}
	}
}

func TestDecode_IgnoresUnknownKeys(t *testing.T) {
	enc, dec := newCodec(t)

	rec := VitalSigns{EncounterID: "e", RecordedAt: recordedAt, PulseRate: intp(65)}
	env, _ := enc.Encode("ehr", rec)
	env.Values["vital_signs/language|code"] = "en"
	env.Values["vital_signs/composer|name"] = "someone"
	env.Values["vital_signs/body_temperature:0/any_event:0/temperature|magnitude"] = "not a number"
	env.Values["vital_signs/_uid"] = "abc::local::1"

	got, meta, err := dec.Decode(env.Values, "uid", "ehr", DefaultVitalSignsTemplateID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(rec) {
		t.Errorf("unexpected record %+v", got)
	}
	if len(meta.PathMappings) != 1 {
		t.Errorf("expected 1 mapping, got %d", len(meta.PathMappings))
	}
}

func TestDecode_Malformed(t *testing.T) {
	_, dec := newCodec(t)

	tests := []struct {
		name  string
		key   string
		value any
		field string
	}{
		{"non-numeric systolic", "vital_signs/blood_pressure:0/any_event:0/systolic|magnitude", "high", FieldSystolic},
		{"fractional pulse", "vital_signs/pulse_heart_beat:0/any_event:0/rate|magnitude", 72.5, FieldPulseRate},
		{"bad start time", "vital_signs/context/start_time", "yesterday", FieldRecordedAt},
		{"numeric encounter id", "vital_signs/context/encounter_id", float64(12), FieldEncounterID},
		{"huge string systolic", "vital_signs/blood_pressure:0/any_event:0/systolic|magnitude", "1e300", FieldSystolic},
		{"huge json number systolic", "vital_signs/blood_pressure:0/any_event:0/systolic|magnitude", json.Number("1e20"), FieldSystolic},
		{"float at 2^63", "vital_signs/blood_pressure:0/any_event:0/systolic|magnitude", float64(1 << 63), FieldSystolic},
		{"negative overflow pulse", "vital_signs/pulse_heart_beat:0/any_event:0/rate|magnitude", -1e19, FieldPulseRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := dec.Decode(map[string]any{tt.key: tt.value}, "uid", "ehr", DefaultVitalSignsTemplateID)
			var mce *MalformedCompositionError
			if !errors.As(err, &mce) {
				t.Fatalf("expected MalformedCompositionError, got %v", err)
			}
			if mce.Field != tt.field || mce.FlatPath != tt.key {
				t.Errorf("unexpected error context %+v", mce)
			}
		})
	}
}

func TestDecode_NumericForms(t *testing.T) {
	_, dec := newCodec(t)
	key := "vital_signs/pulse_heart_beat:0/any_event:0/rate|magnitude"

	for _, v := range []any{72, int64(72), float64(72), json.Number("72"), json.Number("72.0"), "72"} {
		rec, _, err := dec.Decode(map[string]any{key: v}, "uid", "ehr", DefaultVitalSignsTemplateID)
		if err != nil {
			t.Errorf("%T(%v): unexpected error %v", v, v, err)
			continue
		}
		if rec.PulseRate == nil || *rec.PulseRate != 72 {
			t.Errorf("%T(%v): expected 72, got %v", v, v, rec.PulseRate)
		}
	}
}

func TestDecode_EventTimeFillsMissingStart(t *testing.T) {
	_, dec := newCodec(t)

	rec, meta, err := dec.Decode(map[string]any{
		"vital_signs/pulse_heart_beat:0/any_event:0/rate|magnitude": 60,
		"vital_signs/pulse_heart_beat:0/any_event:0/time":           "2025-03-14T09:26:53.000+01:00",
	}, "uid", "ehr", DefaultVitalSignsTemplateID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.RecordedAt.Equal(recordedAt.Add(-time.Hour)) {
		t.Errorf("unexpected recorded_at %v", rec.RecordedAt)
	}
	if !reflect.DeepEqual(meta.ArchetypeIDs, []string{ArchetypePulse}) {
		t.Errorf("unexpected archetypes %v", meta.ArchetypeIDs)
	}
}

func TestDecode_EmptyEnvelope(t *testing.T) {
	_, dec := newCodec(t)

	rec, meta, err := dec.Decode(map[string]any{}, "uid", "ehr", DefaultVitalSignsTemplateID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.Equal(VitalSigns{}) {
		t.Errorf("expected empty record, got %+v", rec)
	}
	if meta.ArchetypeIDs == nil || meta.PathMappings == nil {
		t.Error("expected empty, non-nil slices")
	}
}

func TestDecode_WrongTemplate(t *testing.T) {
	_, dec := newCodec(t)

	_, _, err := dec.Decode(map[string]any{}, "uid", "ehr", "unknown.v1")
	var ute *UnknownTemplateError
	if !errors.As(err, &ute) {
		t.Fatalf("expected UnknownTemplateError, got %v", err)
	}
}
