package openehr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// PathMapping explains where one UI field lives in the composition.
type PathMapping struct {
	Field         string  `json:"field"`
	ArchetypeID   string  `json:"archetype_id"`
	ArchetypePath string  `json:"archetype_path"`
	FlatPath      string  `json:"flat_path"`
	Value         any     `json:"value"`
	Unit          *string `json:"unit"`
}

// Metadata is the transparency block attached to every decoded record.
type Metadata struct {
	CompositionUID string        `json:"composition_uid"`
	TemplateID     string        `json:"template_id"`
	ArchetypeIDs   []string      `json:"archetype_ids"`
	EHRID          string        `json:"ehr_id"`
	PathMappings   []PathMapping `json:"path_mappings"`
}

// Decoder reads FLAT compositions back into semantic records.
type Decoder struct {
	table *Table
	index int
}

func NewDecoder(table *Table) *Decoder {
	return &Decoder{table: table}
}

// Decode reconstructs the record held in values and explains every measurement
// it found. Keys the table does not describe are ignored.
func (d *Decoder) Decode(values map[string]any, compositionUID, ehrID, templateID string) (VitalSigns, Metadata, error) {
	entries, err := d.table.EntriesForTemplate(templateID)
	if err != nil {
		return VitalSigns{}, Metadata{}, err
	}

	var rec VitalSigns
	meta := Metadata{
		CompositionUID: compositionUID,
		TemplateID:     templateID,
		ArchetypeIDs:   []string{},
		EHRID:          ehrID,
		PathMappings:   []PathMapping{},
	}
	seen := make(map[string]bool)

	for _, entry := range entries {
		key := entry.ValueKey(d.index)
		raw, ok := values[key]
		if !ok || raw == nil {
			continue
		}
		parsed, err := parseValue(entry.Kind, raw)
		if err != nil {
			return VitalSigns{}, Metadata{}, &MalformedCompositionError{
				CompositionUID: compositionUID,
				Field:          entry.Field,
				FlatPath:       key,
				Expected:       entry.Kind,
				Value:          raw,
				Err:            err,
			}
		}
		if err := assign(&rec, entry, templateID, parsed); err != nil {
			return VitalSigns{}, Metadata{}, err
		}

		if !seen[entry.ArchetypeID] {
			seen[entry.ArchetypeID] = true
			meta.ArchetypeIDs = append(meta.ArchetypeIDs, entry.ArchetypeID)
		}
		if entry.Role == RoleMeasurement {
			meta.PathMappings = append(meta.PathMappings, PathMapping{
				Field:         entry.Field,
				ArchetypeID:   entry.ArchetypeID,
				ArchetypePath: entry.ArchetypePath,
				FlatPath:      key,
				Value:         raw,
				Unit:          unitOf(entry),
			})
		}
	}
	return rec, meta, nil
}

func unitOf(entry TemplatePathEntry) *string {
	if entry.Unit == "" {
		return nil
	}
	u := entry.Unit
	return &u
}

func assign(rec *VitalSigns, entry TemplatePathEntry, templateID string, v any) error {
	switch entry.Field {
	case FieldRecordedAt:
		rec.RecordedAt = v.(time.Time)
	case FieldEncounterID:
		rec.EncounterID = v.(string)
	case FieldSystolic:
		n := v.(int)
		rec.Systolic = &n
	case FieldDiastolic:
		n := v.(int)
		rec.Diastolic = &n
	case FieldPulseRate:
		n := v.(int)
		rec.PulseRate = &n
	case FieldBloodPressureTime, FieldPulseTime:
		// Event times mirror the context start time; they only fill it when absent.
		if rec.RecordedAt.IsZero() {
			rec.RecordedAt = v.(time.Time)
		}
	default:
		return &UnknownFieldError{Field: entry.Field, TemplateID: templateID}
	}
	return nil
}

func parseValue(kind ValueKind, raw any) (any, error) {
	switch kind {
	case KindNumeric:
		return parseInt(raw)
	case KindTimestamp:
		return parseTime(raw)
	case KindString:
		s, ok := raw.(string)
		if !ok {
			return nil, errors.New("not a string")
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported kind %d", kind)
}

func parseInt(raw any) (int, error) {
	var f float64
	switch v := raw.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		f = v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), nil
		}
		x, err := v.Float64()
		if err != nil {
			return 0, err
		}
		f = x
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, err
		}
		f = x
	default:
		return 0, errors.New("not a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, errors.New("not an integer")
	}
	if f < math.MinInt || f >= -math.MinInt {
		return 0, errors.New("integer out of range")
	}
	return int(f), nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
}

func parseTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		var lastErr error
		for _, layout := range timeLayouts {
			t, err := time.Parse(layout, v)
			if err == nil {
				return t, nil
			}
			lastErr = err
		}
		return time.Time{}, lastErr
	}
	return time.Time{}, errors.New("not a timestamp string")
}
