package openehr

import (
	"time"
)

// Envelope is a FLAT composition: resolved flat keys mapped to scalar values,
// plus the template and EHR it belongs to.
type Envelope struct {
	TemplateID string
	EHRID      string
	Values     map[string]any
}

// Context holds the composition-level constants the repository requires but
// the semantic record does not carry.
type Context struct {
	Language     string
	Territory    string
	ComposerName string
}

// DefaultContext is used when the caller does not configure one.
var DefaultContext = Context{
	Language:     "en",
	Territory:    "US",
	ComposerName: "Open CIS",
}

// Encoder turns semantic records into FLAT envelopes.
type Encoder struct {
	table *Table
	ctx   Context
	index int
}

// NewEncoder returns an encoder writing single-instance compositions (index 0).
func NewEncoder(table *Table, ctx Context) *Encoder {
	if ctx.Language == "" {
		ctx.Language = DefaultContext.Language
	}
	if ctx.Territory == "" {
		ctx.Territory = DefaultContext.Territory
	}
	if ctx.ComposerName == "" {
		ctx.ComposerName = DefaultContext.ComposerName
	}
	return &Encoder{table: table, ctx: ctx}
}

// Encode builds the envelope for rec. Only present fields produce keys; units
// always come from the table.
func (e *Encoder) Encode(ehrID string, rec VitalSigns) (Envelope, error) {
	values := e.contextValues(rec.RecordedAt)

	groups := make(map[string]bool)
	for _, fv := range rec.presentFields() {
		entry, err := e.table.Resolve(fv.field)
		if err != nil {
			return Envelope{}, err
		}
		put(values, entry, e.index, fv.value)
		if entry.Group != "" {
			groups[entry.Group] = true
		}
	}

	if !rec.RecordedAt.IsZero() {
		for _, entry := range e.table.entries {
			if entry.Role == RoleEventTime && groups[entry.Group] {
				put(values, entry, e.index, rec.RecordedAt)
			}
		}
	}

	return Envelope{
		TemplateID: e.table.TemplateID(),
		EHRID:      ehrID,
		Values:     values,
	}, nil
}

func put(values map[string]any, entry TemplatePathEntry, index int, v any) {
	if t, ok := v.(time.Time); ok {
		v = formatTime(t)
	}
	values[entry.ValueKey(index)] = v
	if k := entry.UnitKey(index); k != "" {
		values[k] = entry.Unit
	}
}

func (e *Encoder) contextValues(recordedAt time.Time) map[string]any {
	root := e.table.Root()
	values := map[string]any{
		"ctx/language":      e.ctx.Language,
		"ctx/territory":     e.ctx.Territory,
		"ctx/composer_name": e.ctx.ComposerName,

		root + "/category|code":               "433",
		root + "/category|value":              "event",
		root + "/category|terminology":        "openehr",
		root + "/context/setting|code":        "238",
		root + "/context/setting|value":       "other care",
		root + "/context/setting|terminology": "openehr",
	}
	if !recordedAt.IsZero() {
		values["ctx/time"] = formatTime(recordedAt)
	}
	return values
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
