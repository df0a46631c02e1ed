package encounter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/opencis/cis/internal/domain/patient"
	"github.com/opencis/cis/internal/platform/websocket"
)

// PatientLookup resolves registry patients. *patient.Service satisfies it.
type PatientLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

type Service struct {
	repo     Repository
	patients PatientLookup
	events   websocket.EventPublisher
	now      func() time.Time
}

func NewService(repo Repository, patients PatientLookup) *Service {
	return &Service{repo: repo, patients: patients, now: time.Now}
}

// SetEventPublisher makes Create announce new encounters on the patient topic
// and Update announce changes on the encounter topic.
func (s *Service) SetEventPublisher(p websocket.EventPublisher) {
	s.events = p
}

// Create opens an encounter for an existing patient. A missing patient is
// reported as patient.ErrNotFound.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Encounter, error) {
	if err := req.Validate(s.now()); err != nil {
		return nil, err
	}
	if _, err := s.patients.Get(ctx, req.PatientID); err != nil {
		return nil, err
	}

	enc := &Encounter{
		PatientID:    req.PatientID,
		Type:         req.Type,
		Status:       req.Status,
		StartTime:    req.StartTime.UTC(),
		EndTime:      req.EndTime,
		Reason:       req.Reason,
		ProviderName: req.ProviderName,
		Location:     req.Location,
	}
	if err := s.repo.Create(ctx, enc); err != nil {
		return nil, err
	}

	if s.events != nil {
		data, _ := json.Marshal(enc)
		s.events.Publish(ctx, websocket.Event{
			Type:         websocket.EventEncounterOpened,
			Topic:        websocket.PatientTopic(enc.PatientID.String()),
			ResourceType: "encounter",
			ResourceID:   enc.ID.String(),
			Data:         data,
		})
	}
	return enc, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (*Encounter, error) {
	enc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.Apply(enc, s.now()); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, enc); err != nil {
		return nil, err
	}

	if s.events != nil {
		data, _ := json.Marshal(enc)
		s.events.Publish(ctx, websocket.Event{
			Type:         websocket.EventEncounterUpdated,
			Topic:        websocket.EncounterTopic(enc.ID.String()),
			ResourceType: "encounter",
			ResourceID:   enc.ID.String(),
			Data:         data,
		})
	}
	return enc, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Encounter, int, error) {
	if _, err := s.patients.Get(ctx, patientID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}
