package medication

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/opencis/cis/internal/domain/patient"
	"github.com/opencis/cis/internal/openehr/ehrbase"
)

type fakeQuerier struct {
	rows       [][]any
	err        error
	calls      int
	lastAQL    string
	lastParams map[string]any
}

func (f *fakeQuerier) Query(_ context.Context, aql string, params map[string]any) (*ehrbase.QueryResult, error) {
	f.calls++
	f.lastAQL, f.lastParams = aql, params
	if f.err != nil {
		return nil, f.err
	}
	return &ehrbase.QueryResult{Query: aql, Rows: f.rows}, nil
}

type fakePatients map[uuid.UUID]*patient.Patient

func (f fakePatients) Get(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	if p, ok := f[id]; ok {
		return p, nil
	}
	return nil, patient.ErrNotFound
}

func newTestService(rows [][]any) (*Service, *fakeQuerier, *patient.Patient) {
	p := &patient.Patient{ID: uuid.New(), MRN: "MRN-000001", EHRID: "ehr-7"}
	q := &fakeQuerier{rows: rows}
	return NewService(q, fakePatients{p.ID: p}), q, p
}

func TestService_ListForPatient(t *testing.T) {
	svc, q, p := newTestService([][]any{
		{"c1::local.ehrbase.org::1", "Amoxicillin", "500"},
		{"c2::local.ehrbase.org::1", "Paracetamol", float64(1)},
		{"c3::local.ehrbase.org::1", nil, nil},
		{nil, "orphan", "1"},
	})

	orders, err := svc.ListForPatient(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Order{
		{CompositionID: "c1::local.ehrbase.org::1", MedicationName: "Amoxicillin", Dose: "500"},
		{CompositionID: "c2::local.ehrbase.org::1", MedicationName: "Paracetamol", Dose: "1"},
		{CompositionID: "c3::local.ehrbase.org::1"},
	}
	if len(orders) != len(want) {
		t.Fatalf("expected %d orders, got %+v", len(want), orders)
	}
	for i := range want {
		if orders[i] != want[i] {
			t.Errorf("order %d: expected %+v, got %+v", i, want[i], orders[i])
		}
	}
	if q.lastParams["ehr_id"] != "ehr-7" {
		t.Errorf("expected the patient's ehr id as parameter, got %v", q.lastParams)
	}
	if !strings.Contains(q.lastAQL, ArchetypeMedicationOrder) || !strings.Contains(q.lastAQL, "$ehr_id") {
		t.Errorf("unexpected AQL %s", q.lastAQL)
	}
}

func TestService_ListForPatient_Empty(t *testing.T) {
	svc, _, p := newTestService(nil)

	orders, err := svc.ListForPatient(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if orders == nil || len(orders) != 0 {
		t.Errorf("expected an empty non-nil list, got %#v", orders)
	}
}

func TestService_ListForPatient_UnknownPatient(t *testing.T) {
	svc, q, _ := newTestService(nil)

	_, err := svc.ListForPatient(context.Background(), uuid.New())
	if !errors.Is(err, patient.ErrNotFound) {
		t.Fatalf("expected patient.ErrNotFound, got %v", err)
	}
	if q.calls != 0 {
		t.Error("repository must not be queried for an unknown patient")
	}
}

func TestService_ListForPatient_UpstreamError(t *testing.T) {
	svc, q, p := newTestService(nil)
	q.err = &ehrbase.UpstreamError{Op: "query", StatusCode: http.StatusBadRequest, Body: "AQL syntax"}

	_, err := svc.ListForPatient(context.Background(), p.ID)
	var ue *ehrbase.UpstreamError
	if !errors.As(err, &ue) || ue.Body != "AQL syntax" {
		t.Fatalf("expected the UpstreamError to pass through, got %v", err)
	}
}
