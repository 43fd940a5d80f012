package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hospital/ops/internal/domain/records"
)

// unit is the unit of work for one operation or one batch payload. Records
// are loaded once into an identity map, mutated in memory and flushed on
// commit (beds, then equipment, then patients). Every flushed write and every
// staff counter move registers an undo step; rollback replays them in
// reverse.
type unit struct {
	svc *Service
	now time.Time
	log zerolog.Logger

	beds      map[string]*records.Bed
	patients  map[string]*records.Patient
	equipment map[string]*records.Equipment

	origBeds      map[string]*records.Bed
	origPatients  map[string]*records.Patient
	origEquipment map[string]*records.Equipment
	created       map[string]bool

	dirty []dirtyRef
	undo  []undoStep
}

type dirtyRef struct {
	kind records.Kind
	id   string
}

type undoStep struct {
	what string
	fn   func(ctx context.Context) error
}

func (s *Service) newUnit(log zerolog.Logger) *unit {
	return &unit{
		svc:           s,
		now:           s.now().UTC(),
		log:           log,
		beds:          map[string]*records.Bed{},
		patients:      map[string]*records.Patient{},
		equipment:     map[string]*records.Equipment{},
		origBeds:      map[string]*records.Bed{},
		origPatients:  map[string]*records.Patient{},
		origEquipment: map[string]*records.Equipment{},
		created:       map[string]bool{},
	}
}

func (u *unit) bed(ctx context.Context, id string) (*records.Bed, error) {
	if b, ok := u.beds[id]; ok {
		return b, nil
	}
	b, err := u.svc.repo.GetBed(ctx, id)
	if err != nil {
		return nil, fromRead(records.KindBed, id, err)
	}
	u.beds[id] = b
	u.origBeds[id] = b.Clone()
	return b, nil
}

func (u *unit) patient(ctx context.Context, id string) (*records.Patient, error) {
	if p, ok := u.patients[id]; ok {
		return p, nil
	}
	p, err := u.svc.repo.GetPatient(ctx, id)
	if err != nil {
		return nil, fromRead(records.KindPatient, id, err)
	}
	u.patients[id] = p
	u.origPatients[id] = p.Clone()
	return p, nil
}

// findPatient is patient without the NotFound error.
func (u *unit) findPatient(ctx context.Context, id string) (*records.Patient, bool, error) {
	p, err := u.patient(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (u *unit) equipmentItem(ctx context.Context, id string) (*records.Equipment, error) {
	if e, ok := u.equipment[id]; ok {
		return e, nil
	}
	e, err := u.svc.repo.GetEquipment(ctx, id)
	if err != nil {
		return nil, fromRead(records.KindEquipment, id, err)
	}
	u.equipment[id] = e
	u.origEquipment[id] = e.Clone()
	return e, nil
}

// createPatient stages a new patient; rollback deletes it.
func (u *unit) createPatient(p *records.Patient) {
	u.patients[p.ID] = p
	u.created[p.ID] = true
	u.mark(records.KindPatient, p.ID)
}

func (u *unit) mark(kind records.Kind, id string) {
	for _, d := range u.dirty {
		if d.kind == kind && d.id == id {
			return
		}
	}
	u.dirty = append(u.dirty, dirtyRef{kind, id})
}

func (u *unit) markBed(b *records.Bed)             { u.mark(records.KindBed, b.ID) }
func (u *unit) markPatient(p *records.Patient)     { u.mark(records.KindPatient, p.ID) }
func (u *unit) markEquipment(e *records.Equipment) { u.mark(records.KindEquipment, e.ID) }

var flushOrder = []records.Kind{records.KindBed, records.KindEquipment, records.KindPatient}

// commit writes every dirty record. The first failing write stops the flush
// and is returned as a persistence error; the caller rolls back.
func (u *unit) commit(ctx context.Context) error {
	for _, kind := range flushOrder {
		for _, d := range u.dirty {
			if d.kind != kind {
				continue
			}
			if err := u.flush(ctx, d); err != nil {
				return persistence(fmt.Sprintf("write %s %s", d.kind, d.id), err)
			}
		}
	}
	return nil
}

func (u *unit) flush(ctx context.Context, d dirtyRef) error {
	repo := u.svc.repo
	switch d.kind {
	case records.KindBed:
		if err := repo.PutBed(ctx, u.beds[d.id]); err != nil {
			return err
		}
		orig := u.origBeds[d.id]
		u.pushUndo("restore bed "+d.id, func(ctx context.Context) error { return repo.PutBed(ctx, orig) })
	case records.KindEquipment:
		if err := repo.PutEquipment(ctx, u.equipment[d.id]); err != nil {
			return err
		}
		orig := u.origEquipment[d.id]
		u.pushUndo("restore equipment "+d.id, func(ctx context.Context) error { return repo.PutEquipment(ctx, orig) })
	case records.KindPatient:
		if err := repo.PutPatient(ctx, u.patients[d.id]); err != nil {
			return err
		}
		if u.created[d.id] {
			id := d.id
			u.pushUndo("delete patient "+id, func(ctx context.Context) error { return repo.DeletePatient(ctx, id) })
			return nil
		}
		orig := u.origPatients[d.id]
		u.pushUndo("restore patient "+d.id, func(ctx context.Context) error { return repo.PutPatient(ctx, orig) })
	}
	return nil
}

func (u *unit) pushUndo(what string, fn func(ctx context.Context) error) {
	u.undo = append(u.undo, undoStep{what: what, fn: fn})
}

// rollback runs the undo log in reverse. It keeps going past failures; each
// one leaves drift that only a recount or manual fix repairs.
func (u *unit) rollback(ctx context.Context) {
	// the operation may have failed on a cancelled context
	ctx = context.WithoutCancel(ctx)
	for i := len(u.undo) - 1; i >= 0; i-- {
		step := u.undo[i]
		err := step.fn(ctx)
		u.svc.metrics.ObserveCompensation(err == nil)
		if err != nil {
			u.log.Error().Err(err).Str("step", step.what).Msg("compensation failed")
			continue
		}
		u.log.Debug().Str("step", step.what).Msg("compensated")
	}
	u.undo = nil
}

// adjustStaff moves a staff counter by delta under the staff lock. The write
// is immediate; undo applies the inverse delta rather than a pre-image so
// concurrent moves by other operations are preserved.
func (u *unit) adjustStaff(ctx context.Context, staffID string, delta int, patientID string) error {
	applied, err := u.svc.moveCounter(ctx, u.log, staffID, delta, patientID)
	if err != nil || applied == 0 {
		return err
	}
	u.pushUndo(fmt.Sprintf("revert staff %s by %d", staffID, -applied), func(ctx context.Context) error {
		_, err := u.svc.moveCounter(ctx, u.log, staffID, -applied, patientID)
		return err
	})
	return nil
}

// moveCounter returns the delta actually applied: 0 when the staff record is
// missing, less than requested when a decrement would go negative.
func (s *Service) moveCounter(ctx context.Context, log zerolog.Logger, staffID string, delta int, patientID string) (int, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	release, err := s.locker.Acquire(lockCtx, staffKey(staffID))
	if err != nil {
		return 0, fromLock(err)
	}
	defer release()

	st, err := s.repo.GetStaff(ctx, staffID)
	if errors.Is(err, records.ErrNotFound) {
		log.Warn().Str("staff_id", staffID).Str("patient_id", patientID).Int("delta", delta).
			Msg("staff record missing, counter not adjusted")
		return 0, nil
	}
	if err != nil {
		return 0, fromRead(records.KindStaff, staffID, err)
	}
	next := st.PatientsAssigned + delta
	if next < 0 {
		log.Warn().Str("staff_id", staffID).Str("patient_id", patientID).Int("patients_assigned", st.PatientsAssigned).
			Msg("staff counter would go negative, clamped at zero")
		next = 0
	}
	applied := next - st.PatientsAssigned
	if applied == 0 {
		return 0, nil
	}
	st.PatientsAssigned = next
	if err := s.repo.PutStaff(ctx, st); err != nil {
		return 0, persistence("write staff "+staffID, err)
	}
	return applied, nil
}

func bedKeyOf(id string) string       { return lockKey(records.KindBed, id) }
func patientKeyOf(id string) string   { return lockKey(records.KindPatient, id) }
func equipmentKeyOf(id string) string { return lockKey(records.KindEquipment, id) }
func staffKey(id string) string       { return lockKey(records.KindStaff, id) }

func lockKey(kind records.Kind, id string) string {
	if id == "" {
		return ""
	}
	return string(kind) + ":" + id
}
