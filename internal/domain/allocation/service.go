// Package allocation keeps beds, patients, staff counters and equipment usage
// mutually consistent. Every mutation runs as a unit of work under named
// locks and is compensated when any of its writes fails.
package allocation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hospital/ops/internal/domain/records"
	"github.com/hospital/ops/internal/platform/lock"
	"github.com/hospital/ops/internal/platform/metrics"
)

const (
	defaultLockWait = 5 * time.Second
	maxLockAttempts = 3
)

// Service is the allocation engine.
type Service struct {
	repo     records.Repository
	locker   lock.Locker
	log      zerolog.Logger
	metrics  *metrics.Engine
	now      func() time.Time
	lockWait time.Duration
	workers  int
}

// Option configures a Service.
type Option func(*Service)

// WithLocker replaces the default in-process locker.
func WithLocker(l lock.Locker) Option { return func(s *Service) { s.locker = l } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

func WithMetrics(m *metrics.Engine) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLockWait bounds how long an operation waits for a contended record.
func WithLockWait(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lockWait = d
		}
	}
}

// WithBatchWorkers sets the reconcile worker count.
func WithBatchWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

func NewService(repo records.Repository, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		locker:   lock.NewLocal(),
		log:      zerolog.Nop(),
		now:      time.Now,
		lockWait: defaultLockWait,
		workers:  1,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// keysFunc reports the lock keys an operation needs given the current
// (unlocked) state of the store.
type keysFunc func(ctx context.Context) ([]string, error)

func staticKeys(keys ...string) keysFunc {
	return func(context.Context) ([]string, error) { return keys, nil }
}

// run locks the records named by keys, executes fn in a fresh unit of work
// and commits it. The key set is computed before locking and again after; if
// a linked record changed in between, the locks are dropped and it retries.
func (s *Service) run(ctx context.Context, op string, keys keysFunc, fn func(ctx context.Context, u *unit) error) (err error) {
	start := time.Now()
	log := s.log.With().Str("op", op).Logger()
	defer func() {
		s.metrics.ObserveOperation(op, outcomeOf(err), time.Since(start))
	}()

	release, err := s.lockFor(ctx, keys)
	if err != nil {
		return err
	}
	defer release()

	u := s.newUnit(log)
	if err = fn(ctx, u); err == nil {
		err = u.commit(ctx)
	}
	if err != nil {
		u.rollback(ctx)
		if KindOf(err) == KindPersistence {
			log.Error().Err(err).Msg("unit of work rolled back")
		}
	}
	return err
}

func (s *Service) lockFor(ctx context.Context, keys keysFunc) (func(), error) {
	for attempt := 1; ; attempt++ {
		want, err := keys(ctx)
		if err != nil {
			return nil, err
		}
		want = lock.Normalize(want)

		lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
		release, err := lock.AcquireAll(lockCtx, s.locker, want)
		cancel()
		if err != nil {
			return nil, fromLock(err)
		}

		got, err := keys(ctx)
		if err != nil {
			release()
			return nil, err
		}
		if covers(want, lock.Normalize(got)) {
			return release, nil
		}
		release()
		if attempt == maxLockAttempts {
			return nil, &Error{Kind: KindConflict, Reason: "linked records kept changing while acquiring locks"}
		}
	}
}

func covers(held, need []string) bool {
	set := make(map[string]bool, len(held))
	for _, k := range held {
		set[k] = true
	}
	for _, k := range need {
		if !set[k] {
			return false
		}
	}
	return true
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if k := KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}

// peekBedOccupant returns the patient id currently on the bed, unlocked.
func (s *Service) peekBedOccupant(ctx context.Context, bedID string) (string, error) {
	b, err := s.repo.GetBed(ctx, bedID)
	if errors.Is(err, records.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", persistence("read bed "+bedID, err)
	}
	if b.Occupant == nil {
		return "", nil
	}
	return b.Occupant.PatientID, nil
}

// peekPatientBed returns the bed id the patient points at, unlocked.
func (s *Service) peekPatientBed(ctx context.Context, patientID string) (string, error) {
	p, err := s.repo.GetPatient(ctx, patientID)
	if errors.Is(err, records.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", persistence("read patient "+patientID, err)
	}
	return records.StrVal(p.AssignedBed), nil
}

// patientKeys locks a patient plus the bed it currently holds and any extra
// beds the caller is about to touch.
func (s *Service) patientKeys(patientID string, extraBeds ...string) keysFunc {
	return func(ctx context.Context) ([]string, error) {
		bed, err := s.peekPatientBed(ctx, patientID)
		if err != nil {
			return nil, err
		}
		keys := []string{patientKeyOf(patientID), bedKeyOf(bed)}
		for _, b := range extraBeds {
			keys = append(keys, bedKeyOf(strings.TrimSpace(b)))
		}
		return keys, nil
	}
}

func required(pairs ...string) error {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, pairs[i])
		}
	}
	if len(missing) > 0 {
		return missingFields(missing...)
	}
	return nil
}

// AssignBed places a patient in a bed.
func (s *Service) AssignBed(ctx context.Context, bedID, patientID string) (*records.Bed, error) {
	if err := required("bedId", bedID, "patientId", patientID); err != nil {
		return nil, err
	}
	var out *records.Bed
	err := s.run(ctx, "assign_bed", staticKeys(bedKeyOf(bedID), patientKeyOf(patientID)), func(ctx context.Context, u *unit) error {
		b, err := u.bed(ctx, bedID)
		if err != nil {
			return err
		}
		p, err := u.patient(ctx, patientID)
		if err != nil {
			return err
		}
		if err := u.assign(b, p); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// ReleaseBed frees a bed and clears its occupant's back-pointer. Releasing an
// Available bed succeeds without writing anything. A bed in Maintenance is
// refused with ErrInvalidState; taking a bed out of maintenance is not a
// release.
func (s *Service) ReleaseBed(ctx context.Context, bedID string) (*records.Bed, error) {
	if err := required("bedId", bedID); err != nil {
		return nil, err
	}
	keys := func(ctx context.Context) ([]string, error) {
		occ, err := s.peekBedOccupant(ctx, bedID)
		if err != nil {
			return nil, err
		}
		return []string{bedKeyOf(bedID), patientKeyOf(occ)}, nil
	}
	var out *records.Bed
	err := s.run(ctx, "release_bed", keys, func(ctx context.Context, u *unit) error {
		b, err := u.bed(ctx, bedID)
		if err != nil {
			return err
		}
		if err := u.release(ctx, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// ReserveBed holds an Available bed for an incoming admission. A zero
// admission time means now.
func (s *Service) ReserveBed(ctx context.Context, bedID, name string, admissionTime time.Time) (*records.Bed, error) {
	if err := required("bedId", bedID, "name", name); err != nil {
		return nil, err
	}
	var out *records.Bed
	err := s.run(ctx, "reserve_bed", staticKeys(bedKeyOf(bedID)), func(ctx context.Context, u *unit) error {
		b, err := u.bed(ctx, bedID)
		if err != nil {
			return err
		}
		t, ok := BedTransition(b.Status, BedEventReserve)
		if !ok {
			return invalidState("bed %s is %s and cannot be reserved", b.ID, b.Status)
		}
		at := admissionTime
		if at.IsZero() {
			at = u.now
		}
		b.Status = t.Next
		b.Reservation = &records.Reservation{Name: strings.TrimSpace(name), AdmissionTime: at.UTC()}
		appendHistory(b, u.now)
		u.markBed(b)
		out = b
		return nil
	})
	return out, err
}

// SetEquipmentUsage moves equipment to status, opening a usage window on
// entering In Use and closing the open one on leaving it.
func (s *Service) SetEquipmentUsage(ctx context.Context, equipmentID string, status records.EquipmentStatus, patient, department *string) (*records.Equipment, error) {
	if err := required("equipmentId", equipmentID); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, invalidField("status", "invalid equipment status %q", status)
	}
	var out *records.Equipment
	err := s.run(ctx, "set_equipment_usage", staticKeys(equipmentKeyOf(equipmentID)), func(ctx context.Context, u *unit) error {
		e, err := u.equipmentItem(ctx, equipmentID)
		if err != nil {
			return err
		}
		open := e.OpenUsage()
		t, _ := EquipmentTransition(e.Status, status, open >= 0)
		out = e
		if t.NoOp {
			return nil
		}
		switch {
		case t.Effects.Has(EffectOpenUsage):
			e.UsageLog = append(e.UsageLog, records.UsageEntry{
				StartDate:  u.now,
				Patient:    records.StrPtr(records.StrVal(patient)),
				Department: records.StrPtr(records.StrVal(department)),
			})
		case t.Effects.Has(EffectCloseUsage):
			end := u.now
			e.UsageLog[open].EndDate = &end
		}
		e.Status = t.Next
		u.markEquipment(e)
		return nil
	})
	return out, err
}

// assign applies the Assign row of the bed table.
func (u *unit) assign(b *records.Bed, p *records.Patient) error {
	if p.AssignedBed != nil {
		return invalidState("patient %s already holds bed %s", p.ID, *p.AssignedBed)
	}
	t, ok := BedTransition(b.Status, BedEventAssign)
	if !ok {
		return invalidState("bed %s is %s and cannot be assigned", b.ID, b.Status)
	}
	if t.Effects.Has(EffectClearReservation) {
		b.Reservation = nil
	}
	b.Status = t.Next
	b.Occupant = p.Snapshot()
	appendHistory(b, u.now)
	bedID := b.ID
	p.AssignedBed = &bedID
	u.markBed(b)
	u.markPatient(p)
	return nil
}

// release applies the Release row of the bed table. The occupant's pointer
// is cleared only while it still names this bed.
func (u *unit) release(ctx context.Context, b *records.Bed) error {
	t, ok := BedTransition(b.Status, BedEventRelease)
	if !ok {
		return invalidState("bed %s is %s and cannot be released", b.ID, b.Status)
	}
	if t.NoOp {
		return nil
	}
	if t.Effects.Has(EffectUnlinkPatient) && b.Occupant != nil {
		pid := b.Occupant.PatientID
		p, found, err := u.findPatient(ctx, pid)
		if err != nil {
			return err
		}
		switch {
		case !found:
			u.log.Warn().Str("bed_id", b.ID).Str("patient_id", pid).Msg("occupant record missing, bed released anyway")
		case records.StrVal(p.AssignedBed) == b.ID:
			p.AssignedBed = nil
			u.markPatient(p)
		}
	}
	b.Status = t.Next
	b.Occupant = nil
	b.Reservation = nil
	appendHistory(b, u.now)
	u.markBed(b)
	return nil
}
