package allocation

import (
	"context"
	"strings"
	"time"

	"github.com/hospital/ops/internal/domain/records"
)

// StaffRole selects which staff link on a patient is being changed.
type StaffRole string

const (
	RoleDoctor StaffRole = "doctor"
	RoleNurse  StaffRole = "nurse"
)

func (r StaffRole) Valid() bool { return r == RoleDoctor || r == RoleNurse }

func (r StaffRole) field(p *records.Patient) **string {
	switch r {
	case RoleDoctor:
		return &p.AssignedDoctor
	case RoleNurse:
		return &p.AssignedNurse
	}
	return nil
}

// PatientChanges is a partial update. A nil field is left unchanged; an empty
// string on a link field clears the link.
type PatientChanges struct {
	Name                  *string                `json:"name,omitempty"`
	Age                   *int                   `json:"age,omitempty"`
	Gender                *string                `json:"gender,omitempty"`
	Diagnosis             *string                `json:"diagnosis,omitempty"`
	ContactNumber         *string                `json:"contactNumber,omitempty"`
	Status                *records.PatientStatus `json:"status,omitempty"`
	AssignedBed           *string                `json:"assignedBed,omitempty"`
	AssignedDoctor        *string                `json:"assignedDoctor,omitempty"`
	AssignedNurse         *string                `json:"assignedNurse,omitempty"`
	AdmissionDate         *time.Time             `json:"admissionDate,omitempty"`
	ExpectedDischargeDate *time.Time             `json:"expectedDischargeDate,omitempty"`
	DischargeDate         *time.Time             `json:"dischargeDate,omitempty"`
}

// UpdateOutcome tells the batch reconciler which counter a change lands in.
type UpdateOutcome int

const (
	OutcomeUpdated UpdateOutcome = iota
	OutcomeDischarged
)

func (c PatientChanges) validate() error {
	if c.Name != nil && strings.TrimSpace(*c.Name) == "" {
		return invalidField("name", "name must not be empty")
	}
	if c.Age != nil && *c.Age < 0 {
		return invalidField("age", "age must not be negative")
	}
	if c.Status != nil && !c.Status.Valid() {
		return invalidField("status", "invalid patient status %q", *c.Status)
	}
	return nil
}

// ReassignStaff points a patient's doctor or nurse link at newStaffID (nil or
// empty clears it) and moves both staff counters.
func (s *Service) ReassignStaff(ctx context.Context, patientID string, role StaffRole, newStaffID *string) (*records.Patient, error) {
	if err := required("patientId", patientID); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, invalidField("role", "role must be %q or %q", RoleDoctor, RoleNurse)
	}
	var out *records.Patient
	err := s.run(ctx, "reassign_staff", staticKeys(patientKeyOf(patientID)), func(ctx context.Context, u *unit) error {
		p, err := u.patient(ctx, patientID)
		if err != nil {
			return err
		}
		if err := u.reassign(ctx, p, role, newStaffID); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (u *unit) reassign(ctx context.Context, p *records.Patient, role StaffRole, newStaffID *string) error {
	field := role.field(p)
	next := records.StrPtr(strings.TrimSpace(records.StrVal(newStaffID)))
	d := ComputeStaffDelta(*field, next)
	if d == (StaffDelta{}) {
		return nil
	}
	if d.Decrement != "" {
		if err := u.adjustStaff(ctx, d.Decrement, -1, p.ID); err != nil {
			return err
		}
	}
	if d.Increment != "" {
		if err := u.adjustStaff(ctx, d.Increment, 1, p.ID); err != nil {
			return err
		}
	}
	*field = next
	u.markPatient(p)
	return nil
}

// DischargeTransition discharges a patient and releases bed, doctor and
// nurse. A patient already Discharged is returned unchanged.
func (s *Service) DischargeTransition(ctx context.Context, patientID string, dischargeDate *time.Time) (*records.Patient, error) {
	if err := required("patientId", patientID); err != nil {
		return nil, err
	}
	var out *records.Patient
	err := s.run(ctx, "discharge", s.patientKeys(patientID), func(ctx context.Context, u *unit) error {
		p, err := u.patient(ctx, patientID)
		if err != nil {
			return err
		}
		if _, err := u.discharge(ctx, p, dischargeDate); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// discharge reports whether the cascade fired.
func (u *unit) discharge(ctx context.Context, p *records.Patient, date *time.Time) (bool, error) {
	t, ok := PatientTransition(p.Status, records.PatientDischarged)
	if !ok {
		return false, invalidState("patient %s is %s and cannot be discharged", p.ID, p.Status)
	}
	if !t.Effects.Has(EffectCascadeRelease) {
		return false, nil
	}
	if err := u.releaseLinks(ctx, p, ComputeDischargeCascade(p)); err != nil {
		return false, err
	}
	at := u.now
	if date != nil && !date.IsZero() {
		at = date.UTC()
	}
	p.Status = t.Next
	p.DischargeDate = &at
	u.markPatient(p)
	return true, nil
}

// ReleasePatientResources drops every link a patient holds without changing
// its status. Callers run it before deleting a patient record.
func (s *Service) ReleasePatientResources(ctx context.Context, patientID string) (*records.Patient, error) {
	if err := required("patientId", patientID); err != nil {
		return nil, err
	}
	var out *records.Patient
	err := s.run(ctx, "release_patient", s.patientKeys(patientID), func(ctx context.Context, u *unit) error {
		p, err := u.patient(ctx, patientID)
		if err != nil {
			return err
		}
		if err := u.releaseLinks(ctx, p, linksOf(p)); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (u *unit) releaseLinks(ctx context.Context, p *records.Patient, c DischargeCascade) error {
	if c.Bed != "" {
		if err := u.leaveBed(ctx, p); err != nil {
			return err
		}
	}
	if err := u.reassign(ctx, p, RoleDoctor, nil); err != nil {
		return err
	}
	return u.reassign(ctx, p, RoleNurse, nil)
}

// leaveBed releases the patient's current bed when the bed points back at
// the patient, and always clears the patient's pointer.
func (u *unit) leaveBed(ctx context.Context, p *records.Patient) error {
	bedID := records.StrVal(p.AssignedBed)
	if bedID == "" {
		return nil
	}
	b, err := u.bed(ctx, bedID)
	switch {
	case KindOf(err) == KindNotFound:
		u.log.Warn().Str("patient_id", p.ID).Str("bed_id", bedID).Msg("assigned bed missing, clearing link")
	case err != nil:
		return err
	case b.Occupant != nil && b.Occupant.PatientID == p.ID:
		if err := u.release(ctx, b); err != nil {
			return err
		}
	default:
		u.log.Warn().Str("patient_id", p.ID).Str("bed_id", bedID).Msg("bed does not hold patient, clearing link only")
	}
	p.AssignedBed = nil
	u.markPatient(p)
	return nil
}

// ApplyPatientUpdate applies a partial update. A move into Discharged runs
// the discharge cascade and ignores any link fields in the same update.
func (s *Service) ApplyPatientUpdate(ctx context.Context, patientID string, ch PatientChanges) (*records.Patient, error) {
	if err := required("patientId", patientID); err != nil {
		return nil, err
	}
	if err := ch.validate(); err != nil {
		return nil, err
	}
	var out *records.Patient
	err := s.run(ctx, "update_patient", s.patientKeys(patientID, records.StrVal(ch.AssignedBed)), func(ctx context.Context, u *unit) error {
		p, err := u.patient(ctx, patientID)
		if err != nil {
			return err
		}
		if _, err := u.applyChanges(ctx, p, ch); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (u *unit) applyChanges(ctx context.Context, p *records.Patient, ch PatientChanges) (UpdateOutcome, error) {
	applyDemographics(p, ch)
	u.markPatient(p)

	if ch.Status != nil && *ch.Status != p.Status {
		t, ok := PatientTransition(p.Status, *ch.Status)
		if !ok {
			return OutcomeUpdated, invalidState("patient %s cannot move from %s to %s", p.ID, p.Status, *ch.Status)
		}
		if t.Effects.Has(EffectCascadeRelease) {
			if _, err := u.discharge(ctx, p, ch.DischargeDate); err != nil {
				return OutcomeUpdated, err
			}
			return OutcomeDischarged, nil
		}
		p.Status = t.Next
		if t.Effects.Has(EffectClearDischargeDate) {
			p.DischargeDate = nil
		}
	}
	if ch.DischargeDate != nil && p.Status == records.PatientDischarged {
		d := ch.DischargeDate.UTC()
		p.DischargeDate = &d
	}

	if ch.AssignedBed != nil {
		next := strings.TrimSpace(*ch.AssignedBed)
		if next != records.StrVal(p.AssignedBed) {
			if err := u.leaveBed(ctx, p); err != nil {
				return OutcomeUpdated, err
			}
			if next != "" {
				b, err := u.bed(ctx, next)
				if err != nil {
					return OutcomeUpdated, err
				}
				if err := u.assign(b, p); err != nil {
					return OutcomeUpdated, err
				}
			}
		}
	}
	if ch.AssignedDoctor != nil {
		if err := u.reassign(ctx, p, RoleDoctor, ch.AssignedDoctor); err != nil {
			return OutcomeUpdated, err
		}
	}
	if ch.AssignedNurse != nil {
		if err := u.reassign(ctx, p, RoleNurse, ch.AssignedNurse); err != nil {
			return OutcomeUpdated, err
		}
	}
	return OutcomeUpdated, nil
}

func applyDemographics(p *records.Patient, ch PatientChanges) {
	if ch.Name != nil {
		p.Name = strings.TrimSpace(*ch.Name)
	}
	if ch.Age != nil {
		p.Age = *ch.Age
	}
	if ch.Gender != nil {
		p.Gender = *ch.Gender
	}
	if ch.Diagnosis != nil {
		p.Diagnosis = *ch.Diagnosis
	}
	if ch.ContactNumber != nil {
		p.ContactNumber = records.StrPtr(*ch.ContactNumber)
	}
	if ch.AdmissionDate != nil {
		p.AdmissionDate = ch.AdmissionDate.UTC()
	}
	if ch.ExpectedDischargeDate != nil {
		d := ch.ExpectedDischargeDate.UTC()
		p.ExpectedDischargeDate = &d
	}
}
