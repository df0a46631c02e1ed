package vitalsigns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/opencis/cis/internal/domain/encounter"
	"github.com/opencis/cis/internal/domain/patient"
	"github.com/opencis/cis/internal/openehr"
	"github.com/opencis/cis/internal/openehr/ehrbase"
	"github.com/opencis/cis/internal/platform/websocket"
)

// CompositionStore is the part of the openEHR repository client the service
// needs. *ehrbase.Client satisfies it.
type CompositionStore interface {
	CreateComposition(ctx context.Context, ehrID, templateID string, values map[string]any) (*ehrbase.CreatedComposition, error)
	GetComposition(ctx context.Context, ehrID, uid string, format ehrbase.Format) (map[string]any, error)
	DeleteComposition(ctx context.Context, ehrID, uid string) error
	Query(ctx context.Context, aql string, params map[string]any) (*ehrbase.QueryResult, error)
}

type PatientLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

type EncounterLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*encounter.Encounter, error)
}

// Config holds the per-process settings of the service.
type Config struct {
	Context   openehr.Context
	ClockSkew time.Duration
	// FetchConcurrency bounds the parallel composition reads of List.
	FetchConcurrency int
}

const defaultFetchConcurrency = 4

type Service struct {
	store      CompositionStore
	patients   PatientLookup
	encounters EncounterLookup
	table      *openehr.Table
	encoder    *openehr.Encoder
	decoder    *openehr.Decoder
	skew       time.Duration
	fetchers   int
	events     websocket.EventPublisher
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(store CompositionStore, patients PatientLookup, encounters EncounterLookup, table *openehr.Table, cfg Config) *Service {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultClockSkew
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = defaultFetchConcurrency
	}
	return &Service{
		store:      store,
		patients:   patients,
		encounters: encounters,
		table:      table,
		encoder:    openehr.NewEncoder(table, cfg.Context),
		decoder:    openehr.NewDecoder(table),
		skew:       cfg.ClockSkew,
		fetchers:   cfg.FetchConcurrency,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
}

func (s *Service) SetEventPublisher(p websocket.EventPublisher) {
	s.events = p
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

// Table returns the template path table the service encodes with.
func (s *Service) Table() *openehr.Table {
	return s.table
}

// Record validates req, stores it as one composition and returns what the
// repository persisted. The repository is called once; failures are not retried.
func (s *Service) Record(ctx context.Context, req CreateRequest) (*Reading, error) {
	now := s.now()
	if err := Validate(&req, s.table, now, s.skew); err != nil {
		return nil, err
	}

	p, err := s.patient(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	enc, err := s.encounters.Get(ctx, *req.EncounterID)
	if errors.Is(err, encounter.ErrNotFound) {
		return nil, &NotFoundError{Resource: "encounter", ID: req.EncounterID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup encounter: %w", err)
	}
	if enc.PatientID != p.ID {
		return nil, &ValidationError{Field: "encounter_id", Reason: "belongs to a different patient"}
	}

	recordedAt := now.UTC()
	if req.RecordedAt != nil {
		recordedAt = req.RecordedAt.UTC()
	}
	rec := openehr.VitalSigns{
		EncounterID: enc.ID.String(),
		RecordedAt:  recordedAt,
		Systolic:    req.Systolic,
		Diastolic:   req.Diastolic,
		PulseRate:   req.PulseRate,
	}

	env, err := s.encoder.Encode(p.EHRID, rec)
	if err != nil {
		return nil, err
	}
	created, err := s.store.CreateComposition(ctx, p.EHRID, env.TemplateID, env.Values)
	if err != nil {
		return nil, err
	}

	values := created.Values
	if len(values) == 0 {
		values, err = s.store.GetComposition(ctx, p.EHRID, created.UID, ehrbase.FormatFlat)
		if err != nil {
			return nil, err
		}
	}
	reading, err := s.decode(p, created.UID, values)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, reading)
	return reading, nil
}

// Get reads one composition of the patient's EHR.
func (s *Service) Get(ctx context.Context, patientID uuid.UUID, uid string) (*Reading, error) {
	return s.GetAs(ctx, patientID, uid, ehrbase.FormatFlat)
}

// GetAs is Get with the composition fetched in format. STRUCTURED documents
// are flattened and run through the same decoder.
func (s *Service) GetAs(ctx context.Context, patientID uuid.UUID, uid string, format ehrbase.Format) (*Reading, error) {
	p, err := s.patient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return s.fetch(ctx, p, uid, format)
}

func (s *Service) fetch(ctx context.Context, p *patient.Patient, uid string, format ehrbase.Format) (*Reading, error) {
	values, err := s.store.GetComposition(ctx, p.EHRID, uid, format)
	if ehrbase.IsStatus(err, http.StatusNotFound) {
		return nil, &NotFoundError{Resource: "composition", ID: uid}
	}
	if err != nil {
		return nil, err
	}
	return s.decode(p, uid, values)
}

func (s *Service) decode(p *patient.Patient, uid string, values map[string]any) (*Reading, error) {
	// A STRUCTURED document has the template's tree id as its only top-level key.
	if _, structured := values[s.table.Root()]; structured {
		values = openehr.FlattenStructured(values, s.table)
	}
	rec, meta, err := s.decoder.Decode(values, uid, p.EHRID, s.table.TemplateID())
	if err != nil {
		return nil, err
	}
	return newReading(p.ID, rec, meta), nil
}

// Delete removes a composition from the patient's EHR.
func (s *Service) Delete(ctx context.Context, patientID uuid.UUID, uid string) error {
	p, err := s.patient(ctx, patientID)
	if err != nil {
		return err
	}
	err = s.store.DeleteComposition(ctx, p.EHRID, uid)
	if ehrbase.IsStatus(err, http.StatusNotFound) {
		return &NotFoundError{Resource: "composition", ID: uid}
	}
	return err
}

// List runs an AQL query for the patient's vital-signs compositions and reads
// the requested page of them in parallel, keeping the query order.
func (s *Service) List(ctx context.Context, q ListQuery) (*ListResponse, error) {
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return nil, &ValidationError{Field: "to_date", Reason: "must not be before from_date"}
	}
	p, err := s.patient(ctx, q.PatientID)
	if err != nil {
		return nil, err
	}

	aql, params := listQuery(p.EHRID, s.table.TemplateID(), q.From, q.To)
	result, err := s.store.Query(ctx, aql, params)
	if err != nil {
		return nil, err
	}
	uids := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row) == 0 {
			continue
		}
		if uid, ok := row[0].(string); ok && uid != "" {
			uids = append(uids, uid)
		}
	}

	resp := &ListResponse{Items: []*Reading{}, Total: len(uids)}
	page := paginate(uids, q.Limit, q.Offset)
	if len(page) == 0 {
		return resp, nil
	}

	items := make([]*Reading, len(page))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetchers)
	for i, uid := range page {
		g.Go(func() error {
			r, err := s.fetch(gctx, p, uid, ehrbase.FormatFlat)
			if err != nil {
				return err
			}
			items[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	resp.Items = items
	return resp, nil
}

// RawComposition returns a composition of the patient's EHR unchanged.
func (s *Service) RawComposition(ctx context.Context, patientID uuid.UUID, uid string, format ehrbase.Format) (map[string]any, error) {
	p, err := s.patient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.GetComposition(ctx, p.EHRID, uid, format)
	if ehrbase.IsStatus(err, http.StatusNotFound) {
		return nil, &NotFoundError{Resource: "composition", ID: uid}
	}
	return doc, err
}

func (s *Service) patient(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	if id == uuid.Nil {
		return nil, &ValidationError{Field: "patient_id", Reason: "is required"}
	}
	p, err := s.patients.Get(ctx, id)
	if errors.Is(err, patient.ErrNotFound) {
		return nil, &NotFoundError{Resource: "patient", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup patient: %w", err)
	}
	return p, nil
}

func (s *Service) publish(ctx context.Context, r *Reading) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Warn().Err(err).Str("composition_uid", r.ID).Msg("marshal vital signs event")
		return
	}
	// Subscribers follow either the patient or the encounter the reading belongs to.
	topics := []string{websocket.PatientTopic(r.PatientID.String())}
	if r.EncounterID != "" {
		topics = append(topics, websocket.EncounterTopic(r.EncounterID))
	}
	for _, topic := range topics {
		if err := s.events.Publish(ctx, websocket.Event{
			Type:         websocket.EventVitalSignsRecorded,
			Topic:        topic,
			ResourceType: "vital_signs",
			ResourceID:   r.ID,
			Data:         data,
		}); err != nil {
			s.logger.Warn().Err(err).Str("composition_uid", r.ID).Str("topic", topic).Msg("publish vital signs event")
		}
	}
}

func listQuery(ehrID, templateID string, from, to *time.Time) (string, map[string]any) {
	params := map[string]any{"ehr_id": ehrID, "template_id": templateID}
	var b strings.Builder
	b.WriteString("SELECT c/uid/value, c/context/start_time/value FROM EHR e CONTAINS COMPOSITION c")
	b.WriteString(" WHERE e/ehr_id/value = $ehr_id AND c/archetype_details/template_id/value = $template_id")
	if from != nil {
		b.WriteString(" AND c/context/start_time/value >= $from_date")
		params["from_date"] = from.UTC().Format(time.RFC3339)
	}
	if to != nil {
		b.WriteString(" AND c/context/start_time/value <= $to_date")
		params["to_date"] = to.UTC().Format(time.RFC3339)
	}
	b.WriteString(" ORDER BY c/context/start_time/value DESC")
	return b.String(), params
}

func paginate(uids []string, limit, offset int) []string {
	if offset >= len(uids) {
		return nil
	}
	end := len(uids)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return uids[offset:end]
}
