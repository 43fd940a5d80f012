package allocation

import (
	"github.com/hospital/ops/internal/domain/records"
)

// BedEvent is an engine action applied to a bed.
type BedEvent string

const (
	BedEventAssign  BedEvent = "assign"
	BedEventRelease BedEvent = "release"
	BedEventReserve BedEvent = "reserve"
)

// Effect is a bit set of side effects attached to a transition.
type Effect uint16

const (
	EffectSetOccupant Effect = 1 << iota
	EffectClearOccupant
	EffectSetReservation
	EffectClearReservation
	EffectLinkPatient
	EffectUnlinkPatient
	EffectAppendHistory
	EffectCascadeRelease
	EffectClearDischargeDate
	EffectOpenUsage
	EffectCloseUsage
)

// Has reports whether every bit of f is set in e.
func (e Effect) Has(f Effect) bool { return e&f == f }

// Transition is one row of a state table: the resulting state plus the side
// effects to apply. NoOp rows succeed without writing anything.
type Transition[S ~string] struct {
	Next    S
	Effects Effect
	NoOp    bool
}

type bedKey struct {
	from  records.BedStatus
	event BedEvent
}

var bedTable = map[bedKey]Transition[records.BedStatus]{
	{records.BedAvailable, BedEventAssign}: {
		Next:    records.BedOccupied,
		Effects: EffectSetOccupant | EffectLinkPatient | EffectAppendHistory,
	},
	{records.BedReserved, BedEventAssign}: {
		Next:    records.BedOccupied,
		Effects: EffectSetOccupant | EffectClearReservation | EffectLinkPatient | EffectAppendHistory,
	},
	{records.BedOccupied, BedEventRelease}: {
		Next:    records.BedAvailable,
		Effects: EffectClearOccupant | EffectUnlinkPatient | EffectAppendHistory,
	},
	{records.BedReserved, BedEventRelease}: {
		Next:    records.BedAvailable,
		Effects: EffectClearReservation | EffectAppendHistory,
	},
	{records.BedAvailable, BedEventRelease}: {
		Next: records.BedAvailable,
		NoOp: true,
	},
	{records.BedAvailable, BedEventReserve}: {
		Next:    records.BedReserved,
		Effects: EffectSetReservation | EffectAppendHistory,
	},
}

// BedTransition looks up the bed table. ok is false when the event is not
// allowed from the current status.
func BedTransition(from records.BedStatus, ev BedEvent) (Transition[records.BedStatus], bool) {
	t, ok := bedTable[bedKey{from, ev}]
	return t, ok
}

// BedTransitions returns a copy of the bed table keyed by "status/event".
func BedTransitions() map[string]Transition[records.BedStatus] {
	out := make(map[string]Transition[records.BedStatus], len(bedTable))
	for k, v := range bedTable {
		out[string(k.from)+"/"+string(k.event)] = v
	}
	return out
}

type patientKey struct {
	from, to records.PatientStatus
}

// Every move into Discharged cascades. Deceased may only move to
// Discharged. Rows not listed are plain status changes.
var patientTable = map[patientKey]Transition[records.PatientStatus]{
	{records.PatientAdmitted, records.PatientDischarged}:    {Next: records.PatientDischarged, Effects: EffectCascadeRelease},
	{records.PatientTransferred, records.PatientDischarged}: {Next: records.PatientDischarged, Effects: EffectCascadeRelease},
	{records.PatientDeceased, records.PatientDischarged}:    {Next: records.PatientDischarged, Effects: EffectCascadeRelease},
	{records.PatientDischarged, records.PatientAdmitted}:    {Next: records.PatientAdmitted, Effects: EffectClearDischargeDate},
	{records.PatientDischarged, records.PatientTransferred}: {Next: records.PatientTransferred, Effects: EffectClearDischargeDate},
}

// PatientTransition returns the effects of moving a patient from one status
// to another. Same-status moves are no-ops; Deceased can only be discharged.
func PatientTransition(from, to records.PatientStatus) (Transition[records.PatientStatus], bool) {
	if !to.Valid() {
		return Transition[records.PatientStatus]{}, false
	}
	if from == to {
		return Transition[records.PatientStatus]{Next: to, NoOp: true}, true
	}
	if t, ok := patientTable[patientKey{from, to}]; ok {
		return t, true
	}
	if from == records.PatientDeceased {
		return Transition[records.PatientStatus]{}, false
	}
	return Transition[records.PatientStatus]{Next: to}, true
}

// PatientTransitions returns a copy of the rows that carry side effects.
func PatientTransitions() map[string]Transition[records.PatientStatus] {
	out := make(map[string]Transition[records.PatientStatus], len(patientTable))
	for k, v := range patientTable {
		out[string(k.from)+"->"+string(k.to)] = v
	}
	return out
}

// EquipmentTransition decides what happens to the usage log when equipment
// moves to target. Any status may be set; only the window effects vary.
func EquipmentTransition(from, target records.EquipmentStatus, hasOpen bool) (Transition[records.EquipmentStatus], bool) {
	if !target.Valid() {
		return Transition[records.EquipmentStatus]{}, false
	}
	t := Transition[records.EquipmentStatus]{Next: target}
	switch {
	case target == records.EquipmentInUse && !hasOpen:
		t.Effects = EffectOpenUsage
	case target != records.EquipmentInUse && hasOpen:
		t.Effects = EffectCloseUsage
	case from == target:
		t.NoOp = true
	}
	return t, true
}

// CanAssign reports whether patient may be placed in bed.
func CanAssign(bed *records.Bed, patient *records.Patient) bool {
	if patient.AssignedBed != nil {
		return false
	}
	_, ok := BedTransition(bed.Status, BedEventAssign)
	return ok
}

// CanReserve reports whether bed may be reserved.
func CanReserve(bed *records.Bed) bool {
	_, ok := BedTransition(bed.Status, BedEventReserve)
	return ok
}

// DischargeCascade lists the links a discharge must release. Empty strings
// mean nothing to release for that link.
type DischargeCascade struct {
	Bed    string
	Doctor string
	Nurse  string
}

func (c DischargeCascade) Empty() bool {
	return c.Bed == "" && c.Doctor == "" && c.Nurse == ""
}

// ComputeDischargeCascade returns the links held by a patient that is not yet
// discharged. An already-discharged patient yields an empty cascade.
func ComputeDischargeCascade(p *records.Patient) DischargeCascade {
	if p.Status == records.PatientDischarged {
		return DischargeCascade{}
	}
	return linksOf(p)
}

func linksOf(p *records.Patient) DischargeCascade {
	return DischargeCascade{
		Bed:    records.StrVal(p.AssignedBed),
		Doctor: records.StrVal(p.AssignedDoctor),
		Nurse:  records.StrVal(p.AssignedNurse),
	}
}

// StaffDelta names the staff whose counters move when a role changes hands.
type StaffDelta struct {
	Decrement string
	Increment string
}

// ComputeStaffDelta returns the counter changes for old -> new. Equal ids
// (including both empty) produce no change.
func ComputeStaffDelta(oldID, newID *string) StaffDelta {
	o, n := records.StrVal(oldID), records.StrVal(newID)
	if o == n {
		return StaffDelta{}
	}
	return StaffDelta{Decrement: o, Increment: n}
}
