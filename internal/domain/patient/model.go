package patient

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oapi-codegen/runtime/types"
)

// Patient is a registry row: the local identity of a person and the id of
// their EHR in the openEHR repository. Clinical data is never stored here.
type Patient struct {
	ID         uuid.UUID   `json:"id"`
	MRN        string      `json:"mrn"`
	EHRID      string      `json:"ehr_id"`
	GivenName  string      `json:"given_name"`
	FamilyName string      `json:"family_name"`
	BirthDate  *types.Date `json:"birth_date,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// DisplayName is "FAMILY, Given".
func (p *Patient) DisplayName() string {
	return strings.ToUpper(p.FamilyName) + ", " + p.GivenName
}

var (
	ErrNotFound     = errors.New("patient not found")
	ErrDuplicateMRN = errors.New("mrn already registered")
)

// ValidationError names the request field that was rejected.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

const (
	maxMRNLength  = 50
	maxNameLength = 100
)

// CreateRequest is the body of POST /patients. An empty MRN is generated.
type CreateRequest struct {
	MRN        string      `json:"mrn"`
	GivenName  string      `json:"given_name"`
	FamilyName string      `json:"family_name"`
	BirthDate  *types.Date `json:"birth_date,omitempty"`
}

func (r *CreateRequest) Normalize() {
	r.MRN = strings.TrimSpace(r.MRN)
	r.GivenName = strings.TrimSpace(r.GivenName)
	r.FamilyName = strings.TrimSpace(r.FamilyName)
}

func (r *CreateRequest) Validate(now time.Time) error {
	if len(r.MRN) > maxMRNLength {
		return &ValidationError{Field: "mrn", Message: fmt.Sprintf("must be at most %d characters", maxMRNLength)}
	}
	if err := validateName("given_name", r.GivenName); err != nil {
		return err
	}
	if err := validateName("family_name", r.FamilyName); err != nil {
		return err
	}
	return validateBirthDate(r.BirthDate, now)
}

// UpdateRequest is the body of PATCH /patients/:id. Nil fields are left as
// they are.
type UpdateRequest struct {
	GivenName  *string     `json:"given_name,omitempty"`
	FamilyName *string     `json:"family_name,omitempty"`
	BirthDate  *types.Date `json:"birth_date,omitempty"`
}

func (r *UpdateRequest) Validate(now time.Time) error {
	if r.GivenName != nil {
		*r.GivenName = strings.TrimSpace(*r.GivenName)
		if err := validateName("given_name", *r.GivenName); err != nil {
			return err
		}
	}
	if r.FamilyName != nil {
		*r.FamilyName = strings.TrimSpace(*r.FamilyName)
		if err := validateName("family_name", *r.FamilyName); err != nil {
			return err
		}
	}
	return validateBirthDate(r.BirthDate, now)
}

// Apply copies the set fields onto p.
func (r *UpdateRequest) Apply(p *Patient) {
	if r.GivenName != nil {
		p.GivenName = *r.GivenName
	}
	if r.FamilyName != nil {
		p.FamilyName = *r.FamilyName
	}
	if r.BirthDate != nil {
		p.BirthDate = r.BirthDate
	}
}

func validateName(field, v string) error {
	switch {
	case v == "":
		return &ValidationError{Field: field, Message: "is required"}
	case len(v) > maxNameLength:
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be at most %d characters", maxNameLength)}
	}
	return nil
}

func validateBirthDate(d *types.Date, now time.Time) error {
	if d == nil {
		return nil
	}
	if d.Time.After(now) {
		return &ValidationError{Field: "birth_date", Message: "must not be in the future"}
	}
	return nil
}

// ListFilter narrows List. FamilyName matches case-insensitively by prefix.
type ListFilter struct {
	FamilyName string
}
