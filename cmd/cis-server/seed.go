package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opencis/cis/internal/config"
	"github.com/opencis/cis/internal/domain/encounter"
	"github.com/opencis/cis/internal/domain/patient"
	"github.com/opencis/cis/internal/domain/vitalsigns"
	"github.com/opencis/cis/internal/openehr"
	"github.com/opencis/cis/internal/platform/db"
)

var (
	seedGivenNames  = []string{"Ana", "Bruno", "Carla", "Diego", "Elena", "Fábio", "Gabriela", "Hugo"}
	seedFamilyNames = []string{"Silva", "Santos", "Oliveira", "Souza", "Costa", "Pereira", "Almeida"}
)

// seedVitals is a plausible adult reading drawn from rng.
type seedVitals struct {
	Systolic  int
	Diastolic int
	PulseRate int
}

func randomVitals(rng *rand.Rand) seedVitals {
	sys := 100 + rng.Intn(51)
	return seedVitals{
		Systolic:  sys,
		Diastolic: 60 + rng.Intn(36),
		PulseRate: 55 + rng.Intn(46),
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register demo patients with an open encounter and recorded vital signs",
		RunE: func(cmd *cobra.Command, args []string) error {
			patients, _ := cmd.Flags().GetInt("patients")
			vitals, _ := cmd.Flags().GetInt("vitals")
			pattern, _ := cmd.Flags().GetString("mrn-pattern")
			if patients < 1 || vitals < 0 {
				return fmt.Errorf("--patients must be positive and --vitals non-negative")
			}
			return runSeed(cmd.Context(), patients, vitals, pattern)
		},
	}
	cmd.Flags().Int("patients", 5, "Number of patients to register")
	cmd.Flags().Int("vitals", 3, "Vital signs readings per patient")
	cmd.Flags().String("mrn-pattern", patient.DefaultMRNPattern, "Regular expression generated MRNs match")
	return cmd
}

func runSeed(ctx context.Context, patients, vitals int, mrnPattern string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	ehr := newEHRbaseClient(cfg, logger)
	table, err := openehr.NewVitalSignsTable(cfg.VitalSignsTemplateID)
	if err != nil {
		return err
	}

	gen, err := patient.NewMRNGenerator(mrnPattern)
	if err != nil {
		return err
	}
	patientSvc := patient.NewService(patient.NewRepo(pool), ehr)
	patientSvc.SetMRNGenerator(gen)
	encounterSvc := encounter.NewService(encounter.NewRepo(pool), patientSvc)
	vsSvc := vitalsigns.NewService(ehr, patientSvc, encounterSvc, table, vitalsigns.Config{
		Context:   openehr.Context{ComposerName: cfg.ComposerName},
		ClockSkew: cfg.ClockSkew,
	})

	s := &seeder{
		tx:         pool,
		patients:   patientSvc,
		encounters: encounterSvc,
		vitals:     vsSvc,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now().UTC(),
		logger:     logger,
	}
	for i := 0; i < patients; i++ {
		if err := s.seedPatient(ctx, vitals); err != nil {
			return fmt.Errorf("seed patient %d: %w", i+1, err)
		}
	}
	logger.Info().Int("patients", patients).Int("vitals_per_patient", vitals).Msg("seed complete")
	return nil
}

type seeder struct {
	tx         db.Beginner
	patients   *patient.Service
	encounters *encounter.Service
	vitals     *vitalsigns.Service
	rng        *rand.Rand
	now        time.Time
	logger     zerolog.Logger
}

func (s *seeder) seedPatient(ctx context.Context, readings int) error {
	hours := time.Duration(readings) * time.Hour
	start := s.now.Add(-hours - time.Hour)

	var p *patient.Patient
	var enc *encounter.Encounter
	err := db.WithTx(ctx, s.tx, func(ctx context.Context) error {
		var err error
		p, err = s.patients.Create(ctx, patient.CreateRequest{
			GivenName:  seedGivenNames[s.rng.Intn(len(seedGivenNames))],
			FamilyName: seedFamilyNames[s.rng.Intn(len(seedFamilyNames))],
		})
		if err != nil {
			return err
		}
		enc, err = s.encounters.Create(ctx, encounter.CreateRequest{
			PatientID: p.ID,
			Type:      encounter.TypeAmbulatory,
			Status:    encounter.StatusInProgress,
			StartTime: &start,
		})
		return err
	})
	if err != nil {
		return err
	}

	for i := 0; i < readings; i++ {
		v := randomVitals(s.rng)
		at := start.Add(time.Duration(i+1) * time.Hour)
		r, err := s.vitals.Record(ctx, vitalsigns.CreateRequest{
			PatientID:   p.ID,
			EncounterID: &enc.ID,
			RecordedAt:  &at,
			Systolic:    &v.Systolic,
			Diastolic:   &v.Diastolic,
			PulseRate:   &v.PulseRate,
		})
		if err != nil {
			return err
		}
		s.logger.Debug().Str("patient_id", p.ID.String()).Str("composition_uid", r.ID).Msg("recorded vital signs")
	}
	s.logger.Info().Str("mrn", p.MRN).Str("ehr_id", p.EHRID).Msg("seeded patient")
	return nil
}
