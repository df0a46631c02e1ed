package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lucasjones/reggen"

	"github.com/opencis/cis/internal/platform/websocket"
)

// EHRProvisioner allocates an EHR in the openEHR repository.
type EHRProvisioner interface {
	CreateEHR(ctx context.Context) (string, error)
}

// DefaultMRNPattern is the regular expression generated MRNs match.
const DefaultMRNPattern = `MRN-[0-9]{6}`

const mrnAttempts = 10

// NewMRNGenerator returns a function producing strings that match pattern.
func NewMRNGenerator(pattern string) (func() string, error) {
	g, err := reggen.NewGenerator(pattern)
	if err != nil {
		return nil, fmt.Errorf("mrn pattern %q: %w", pattern, err)
	}
	return func() string { return g.Generate(1) }, nil
}

type Service struct {
	repo    Repository
	ehrs    EHRProvisioner
	events  websocket.EventPublisher
	nextMRN func() string
	now     func() time.Time
}

func NewService(repo Repository, ehrs EHRProvisioner) *Service {
	gen, _ := NewMRNGenerator(DefaultMRNPattern)
	return &Service{repo: repo, ehrs: ehrs, nextMRN: gen, now: time.Now}
}

// SetEventPublisher makes Create announce new patients.
func (s *Service) SetEventPublisher(p websocket.EventPublisher) {
	s.events = p
}

// SetMRNGenerator replaces the generator used when a request has no MRN.
func (s *Service) SetMRNGenerator(gen func() string) {
	s.nextMRN = gen
}

// Create registers a patient. The EHR is created first so that every
// registry row points at an existing EHR.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Patient, error) {
	req.Normalize()
	if err := req.Validate(s.now()); err != nil {
		return nil, err
	}

	mrn := req.MRN
	if mrn == "" {
		generated, err := s.freeMRN(ctx)
		if err != nil {
			return nil, err
		}
		mrn = generated
	} else if _, err := s.repo.GetByMRN(ctx, mrn); err == nil {
		return nil, ErrDuplicateMRN
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check mrn: %w", err)
	}

	ehrID, err := s.ehrs.CreateEHR(ctx)
	if err != nil {
		return nil, fmt.Errorf("create ehr: %w", err)
	}

	p := &Patient{
		MRN:        mrn,
		EHRID:      ehrID,
		GivenName:  req.GivenName,
		FamilyName: req.FamilyName,
		BirthDate:  req.BirthDate,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicateMRN) {
			return nil, err
		}
		return nil, fmt.Errorf("insert patient (ehr %s): %w", ehrID, err)
	}

	s.publish(ctx, p)
	return p, nil
}

func (s *Service) freeMRN(ctx context.Context) (string, error) {
	for i := 0; i < mrnAttempts; i++ {
		mrn := s.nextMRN()
		_, err := s.repo.GetByMRN(ctx, mrn)
		if errors.Is(err, ErrNotFound) {
			return mrn, nil
		}
		if err != nil {
			return "", fmt.Errorf("check mrn: %w", err)
		}
	}
	return "", fmt.Errorf("no free mrn after %d attempts", mrnAttempts)
}

func (s *Service) publish(ctx context.Context, p *Patient) {
	if s.events == nil {
		return
	}
	data, _ := json.Marshal(p)
	s.events.Publish(ctx, websocket.Event{
		Type:         websocket.EventPatientRegistered,
		Topic:        websocket.PatientTopic(p.ID.String()),
		ResourceType: "patient",
		ResourceID:   p.ID.String(),
		Data:         data,
	})
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return s.repo.GetByMRN(ctx, mrn)
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (*Patient, error) {
	if err := req.Validate(s.now()); err != nil {
		return nil, err
	}
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Apply(p)
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}
