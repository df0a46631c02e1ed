// Package openehr converts the application's vital-signs record to and from the
// FLAT composition format of an openEHR repository, and explains the mapping
// between UI fields and archetype paths for every value it decodes.
package openehr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ValueKind is the data type a template leaf carries.
type ValueKind int

const (
	KindNumeric ValueKind = iota
	KindTimestamp
	KindString
)

func (k ValueKind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindTimestamp:
		return "timestamp"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Role tells the encoder and decoder how an entry relates to the semantic record.
type Role int

const (
	// RoleMeasurement entries hold clinical values and get a path mapping.
	RoleMeasurement Role = iota
	// RoleContext entries belong to the composition context (start time, encounter).
	RoleContext
	// RoleEventTime entries carry the event time of an observation group and are
	// emitted only when a measurement of that group is present.
	RoleEventTime
)

// Range is the inclusive numeric range accepted for a measurement.
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v int) bool { return v >= r.Min && v <= r.Max }

// IndexPlaceholder marks a repetition index inside a flat path template.
const IndexPlaceholder = "{i}"

// TemplatePathEntry describes one leaf of a template.
type TemplatePathEntry struct {
	Field            string    `json:"field"`
	ArchetypeID      string    `json:"archetype_id"`
	ArchetypePath    string    `json:"archetype_path"`
	FlatPathTemplate string    `json:"flat_path_template"`
	Unit             string    `json:"unit,omitempty"`
	Kind             ValueKind `json:"-"`
	Role             Role      `json:"-"`
	// Group names the observation an entry belongs to. Empty for context entries.
	Group string `json:"group,omitempty"`
	Range *Range `json:"range,omitempty"`
}

// FlatPath expands the repetition placeholders with index.
func (e TemplatePathEntry) FlatPath(index int) string {
	return strings.ReplaceAll(e.FlatPathTemplate, IndexPlaceholder, strconv.Itoa(index))
}

// ValueKey is the flat key holding the entry's value.
func (e TemplatePathEntry) ValueKey(index int) string {
	if e.Kind == KindNumeric {
		return e.FlatPath(index) + "|magnitude"
	}
	return e.FlatPath(index)
}

// UnitKey is the flat key holding the entry's unit, or "" for dimensionless entries.
func (e TemplatePathEntry) UnitKey(index int) string {
	if e.Unit == "" {
		return ""
	}
	return e.FlatPath(index) + "|unit"
}

// Table is the immutable path description of one template. It is safe for
// concurrent use because nothing mutates it after NewTable returns.
type Table struct {
	templateID string
	root       string
	entries    []TemplatePathEntry
	byField    map[string]int
	byPath     map[string]int
}

// NewTable validates entries and builds the lookup indexes.
func NewTable(templateID string, entries []TemplatePathEntry) (*Table, error) {
	if templateID == "" {
		return nil, fmt.Errorf("template id is required")
	}
	t := &Table{
		templateID: templateID,
		entries:    make([]TemplatePathEntry, len(entries)),
		byField:    make(map[string]int, len(entries)),
		byPath:     make(map[string]int, len(entries)),
	}
	copy(t.entries, entries)

	for i, e := range t.entries {
		if e.Field == "" {
			return nil, fmt.Errorf("entry %d: field is required", i)
		}
		if e.ArchetypeID == "" || e.ArchetypePath == "" || e.FlatPathTemplate == "" {
			return nil, fmt.Errorf("entry %q: archetype id, archetype path and flat path are required", e.Field)
		}
		if _, dup := t.byField[e.Field]; dup {
			return nil, fmt.Errorf("entry %q: duplicate field", e.Field)
		}
		if _, dup := t.byPath[e.FlatPathTemplate]; dup {
			return nil, fmt.Errorf("entry %q: duplicate flat path %s", e.Field, e.FlatPathTemplate)
		}
		if e.Range != nil && e.Range.Min > e.Range.Max {
			return nil, fmt.Errorf("entry %q: range min %d exceeds max %d", e.Field, e.Range.Min, e.Range.Max)
		}
		if e.Role == RoleEventTime && e.Group == "" {
			return nil, fmt.Errorf("entry %q: event time entries need a group", e.Field)
		}
		root, _, _ := strings.Cut(e.FlatPathTemplate, "/")
		if t.root == "" {
			t.root = root
		} else if root != t.root {
			return nil, fmt.Errorf("entry %q: flat path root %q differs from %q", e.Field, root, t.root)
		}
		t.byField[e.Field] = i
		t.byPath[e.FlatPathTemplate] = i
	}
	return t, nil
}

// TemplateID returns the template the table describes.
func (t *Table) TemplateID() string { return t.templateID }

// Root is the first flat path segment shared by every entry (the template's tree id).
func (t *Table) Root() string { return t.root }

// Resolve returns the entry for field.
func (t *Table) Resolve(field string) (TemplatePathEntry, error) {
	i, ok := t.byField[field]
	if !ok {
		return TemplatePathEntry{}, &UnknownFieldError{Field: field, TemplateID: t.templateID}
	}
	return t.entries[i], nil
}

// EntriesForTemplate returns a copy of the entries in declaration order.
func (t *Table) EntriesForTemplate(templateID string) ([]TemplatePathEntry, error) {
	if templateID != t.templateID {
		return nil, &UnknownTemplateError{TemplateID: templateID, Known: t.templateID}
	}
	out := make([]TemplatePathEntry, len(t.entries))
	copy(out, t.entries)
	return out, nil
}

var (
	indexSuffix = regexp.MustCompile(`:\d+`)
	attrSuffix  = regexp.MustCompile(`\|[a-z_]+$`)
)

// FieldForPath maps a resolved flat key (for example
// "vital_signs/blood_pressure:0/any_event:0/systolic|magnitude") back to the
// semantic field whose template produced it.
func (t *Table) FieldForPath(flatKey string) (string, bool) {
	base := attrSuffix.ReplaceAllString(flatKey, "")
	tmpl := indexSuffix.ReplaceAllString(base, ":"+IndexPlaceholder)
	i, ok := t.byPath[tmpl]
	if !ok {
		return "", false
	}
	return t.entries[i].Field, true
}
