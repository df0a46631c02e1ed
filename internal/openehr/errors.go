package openehr

import "fmt"

// UnknownFieldError means a semantic field has no path in the active template.
// It signals drift between the record type and the table, never bad user input.
type UnknownFieldError struct {
	Field      string
	TemplateID string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("openehr: field %q has no path in template %s", e.Field, e.TemplateID)
}

// UnknownTemplateError is returned when a table is asked about a template it does not describe.
type UnknownTemplateError struct {
	TemplateID string
	Known      string
}

func (e *UnknownTemplateError) Error() string {
	return fmt.Sprintf("openehr: template %q is not configured (have %q)", e.TemplateID, e.Known)
}

// MalformedCompositionError reports a value found under a known flat path that
// cannot be read as the kind the template declares.
type MalformedCompositionError struct {
	CompositionUID string
	Field          string
	FlatPath       string
	Expected       ValueKind
	Value          any
	Err            error
}

func (e *MalformedCompositionError) Error() string {
	msg := fmt.Sprintf("openehr: composition %s: %s at %s: expected %s, got %T(%v)",
		e.CompositionUID, e.Field, e.FlatPath, e.Expected, e.Value, e.Value)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedCompositionError) Unwrap() error { return e.Err }
