package medication

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/opencis/cis/internal/domain/patient"
	"github.com/opencis/cis/internal/openehr/ehrbase"
)

const ArchetypeMedicationOrder = "openEHR-EHR-INSTRUCTION.medication_order.v3"

// Column order matters: rows are read positionally.
const listQuery = `SELECT
    c/uid/value AS composition_id,
    i/activities[at0001]/description[at0002]/items[at0070]/value/value AS medication_name,
    i/activities[at0001]/description[at0002]/items[at0009]/value/value AS dose
FROM EHR e
CONTAINS COMPOSITION c
CONTAINS INSTRUCTION i[` + ArchetypeMedicationOrder + `]
WHERE e/ehr_id/value = $ehr_id`

// Querier runs AQL against the openEHR repository. *ehrbase.Client satisfies it.
type Querier interface {
	Query(ctx context.Context, aql string, params map[string]any) (*ehrbase.QueryResult, error)
}

// PatientLookup resolves registry patients. *patient.Service satisfies it.
type PatientLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

type Service struct {
	aql      Querier
	patients PatientLookup
}

func NewService(aql Querier, patients PatientLookup) *Service {
	return &Service{aql: aql, patients: patients}
}

// ListForPatient returns every medication order in the patient's EHR. A
// missing patient is reported as patient.ErrNotFound.
func (s *Service) ListForPatient(ctx context.Context, patientID uuid.UUID) ([]Order, error) {
	p, err := s.patients.Get(ctx, patientID)
	if err != nil {
		return nil, err
	}
	res, err := s.aql.Query(ctx, listQuery, map[string]any{"ehr_id": p.EHRID})
	if err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(res.Rows))
	for _, row := range res.Rows {
		uid := cell(row, 0)
		if uid == "" {
			continue
		}
		orders = append(orders, Order{
			CompositionID:  uid,
			MedicationName: cell(row, 1),
			Dose:           cell(row, 2),
		})
	}
	return orders, nil
}

func cell(row []any, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	if s, ok := row[i].(string); ok {
		return s
	}
	return fmt.Sprint(row[i])
}
