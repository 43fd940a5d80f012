package allocation

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hospital/ops/internal/domain/records"
)

// PatientPayload is one externally supplied patient row. Link fields left
// out of the payload leave the existing links unchanged.
type PatientPayload struct {
	PatientID             string                `json:"patientId"`
	Name                  string                `json:"name"`
	Age                   *int                  `json:"age"`
	Gender                string                `json:"gender"`
	Diagnosis             string                `json:"diagnosis"`
	Status                records.PatientStatus `json:"status"`
	ContactNumber         *string               `json:"contactNumber,omitempty"`
	AdmissionDate         *time.Time            `json:"admissionDate,omitempty"`
	ExpectedDischargeDate *time.Time            `json:"expectedDischargeDate,omitempty"`
	DischargeDate         *time.Time            `json:"dischargeDate,omitempty"`
	AssignedBed           *string               `json:"assignedBed,omitempty"`
	AssignedDoctor        *string               `json:"assignedDoctor,omitempty"`
	AssignedNurse         *string               `json:"assignedNurse,omitempty"`
}

func (pl PatientPayload) validate() error {
	var missing []string
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"patientId", strings.TrimSpace(pl.PatientID) != ""},
		{"name", strings.TrimSpace(pl.Name) != ""},
		{"gender", strings.TrimSpace(pl.Gender) != ""},
		{"diagnosis", strings.TrimSpace(pl.Diagnosis) != ""},
		{"status", pl.Status != ""},
		{"age", pl.Age != nil},
	} {
		if !f.ok {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return missingFields(missing...)
	}
	if !pl.Status.Valid() {
		return invalidField("status", "invalid patient status %q", pl.Status)
	}
	if *pl.Age < 0 {
		return invalidField("age", "age must not be negative")
	}
	return nil
}

func (pl PatientPayload) changes() PatientChanges {
	name := strings.TrimSpace(pl.Name)
	status := pl.Status
	return PatientChanges{
		Name:                  &name,
		Age:                   pl.Age,
		Gender:                &pl.Gender,
		Diagnosis:             &pl.Diagnosis,
		ContactNumber:         pl.ContactNumber,
		Status:                &status,
		AssignedBed:           pl.AssignedBed,
		AssignedDoctor:        pl.AssignedDoctor,
		AssignedNurse:         pl.AssignedNurse,
		AdmissionDate:         pl.AdmissionDate,
		ExpectedDischargeDate: pl.ExpectedDischargeDate,
		DischargeDate:         pl.DischargeDate,
	}
}

// ErrorDetail describes one payload that could not be applied.
type ErrorDetail struct {
	Row       int       `json:"row"`
	PatientID string    `json:"patientId,omitempty"`
	Kind      ErrorKind `json:"kind"`
	Error     string    `json:"error"`
}

// BatchResult is the reconciliation report.
type BatchResult struct {
	RunID        uuid.UUID     `json:"runId"`
	Added        int           `json:"added"`
	Updated      int           `json:"updated"`
	Discharged   int           `json:"discharged"`
	Errors       int           `json:"errors"`
	ErrorDetails []ErrorDetail `json:"errorDetails"`
	Aborted      bool          `json:"aborted"`
}

type rowResult int

const (
	rowAdded rowResult = iota
	rowUpdated
	rowDischarged
)

// ReconcileBatch creates or updates one patient per payload. A failing
// payload is rolled back, recorded and skipped; a persistence failure stops
// the whole run and the partial report is returned with the error. Payloads
// sharing a patientId are applied in input order.
func (s *Service) ReconcileBatch(ctx context.Context, payloads []PatientPayload) (BatchResult, error) {
	res := BatchResult{RunID: uuid.New(), ErrorDetails: []ErrorDetail{}}
	log := s.log.With().Str("run_id", res.RunID.String()).Logger()
	start := time.Now()

	var mu sync.Mutex
	record := func(row int, pl PatientPayload, r rowResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Errors++
			res.ErrorDetails = append(res.ErrorDetails, ErrorDetail{
				Row:       row,
				PatientID: strings.TrimSpace(pl.PatientID),
				Kind:      KindOf(err),
				Error:     err.Error(),
			})
			return
		}
		switch r {
		case rowAdded:
			res.Added++
		case rowUpdated:
			res.Updated++
		case rowDischarged:
			res.Discharged++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, part := range partition(payloads, s.workers) {
		g.Go(func() error {
			for _, row := range part {
				if err := gctx.Err(); err != nil {
					return err
				}
				pl := payloads[row]
				r, err := s.reconcileOne(gctx, pl)
				if err != nil && KindOf(err) != KindPersistence && gctx.Err() != nil {
					// interrupted by another worker's abort; already rolled back
					return gctx.Err()
				}
				record(row+1, pl, r, err)
				if KindOf(err) == KindPersistence {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()

	sort.Slice(res.ErrorDetails, func(i, j int) bool { return res.ErrorDetails[i].Row < res.ErrorDetails[j].Row })
	s.metrics.ObserveBatch(res.Added, res.Updated, res.Discharged, res.Errors)
	s.metrics.ObserveOperation("reconcile_batch", outcomeOf(err), time.Since(start))

	if err != nil {
		res.Aborted = true
		log.Error().Err(err).Int("processed", res.Added+res.Updated+res.Discharged+res.Errors).
			Int("total", len(payloads)).Msg("reconciliation aborted")
		return res, fmt.Errorf("reconcile batch: %w", err)
	}
	log.Info().Int("added", res.Added).Int("updated", res.Updated).Int("discharged", res.Discharged).
		Int("errors", res.Errors).Msg("reconciliation finished")
	return res, nil
}

// partition splits row indexes into at most n groups; every row of one
// patientId lands in the same group, in input order.
func partition(payloads []PatientPayload, n int) [][]int {
	if n < 1 {
		n = 1
	}
	if n > len(payloads) {
		n = max(len(payloads), 1)
	}
	parts := make([][]int, n)
	for i, pl := range payloads {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.TrimSpace(pl.PatientID)))
		k := int(h.Sum32() % uint32(n))
		parts[k] = append(parts[k], i)
	}
	return parts
}

func (s *Service) reconcileOne(ctx context.Context, pl PatientPayload) (rowResult, error) {
	if err := pl.validate(); err != nil {
		return 0, err
	}
	id := strings.TrimSpace(pl.PatientID)
	var result rowResult
	err := s.run(ctx, "reconcile_record", s.patientKeys(id, records.StrVal(pl.AssignedBed)), func(ctx context.Context, u *unit) error {
		p, found, err := u.findPatient(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			result = rowAdded
			return u.createFromPayload(ctx, id, pl)
		}
		outcome, err := u.applyChanges(ctx, p, pl.changes())
		if err != nil {
			return err
		}
		result = rowUpdated
		if outcome == OutcomeDischarged {
			result = rowDischarged
		}
		return nil
	})
	return result, err
}

// createFromPayload stages a new patient. A patient created as Discharged is
// stored without any links.
func (u *unit) createFromPayload(ctx context.Context, id string, pl PatientPayload) error {
	p := &records.Patient{
		ID:                    id,
		RecordID:              uuid.New(),
		Name:                  strings.TrimSpace(pl.Name),
		Age:                   *pl.Age,
		Gender:                pl.Gender,
		Diagnosis:             pl.Diagnosis,
		ContactNumber:         records.StrPtr(records.StrVal(pl.ContactNumber)),
		Status:                pl.Status,
		AdmissionDate:         u.now,
		ExpectedDischargeDate: pl.ExpectedDischargeDate,
	}
	if pl.AdmissionDate != nil {
		p.AdmissionDate = pl.AdmissionDate.UTC()
	}
	u.createPatient(p)

	if p.Status == records.PatientDischarged {
		at := u.now
		if pl.DischargeDate != nil {
			at = pl.DischargeDate.UTC()
		}
		p.DischargeDate = &at
		return nil
	}
	if bedID := strings.TrimSpace(records.StrVal(pl.AssignedBed)); bedID != "" {
		b, err := u.bed(ctx, bedID)
		if err != nil {
			return err
		}
		if err := u.assign(b, p); err != nil {
			return err
		}
	}
	if err := u.reassign(ctx, p, RoleDoctor, pl.AssignedDoctor); err != nil {
		return err
	}
	return u.reassign(ctx, p, RoleNurse, pl.AssignedNurse)
}
