package records

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names a record collection in the document store.
type Kind string

const (
	KindBed       Kind = "bed"
	KindPatient   Kind = "patient"
	KindStaff     Kind = "staff"
	KindEquipment Kind = "equipment"
)

type Ward string

const (
	WardICU       Ward = "ICU"
	WardER        Ward = "ER"
	WardGeneral   Ward = "General"
	WardPediatric Ward = "Pediatric"
	WardMaternity Ward = "Maternity"
	WardSurgical  Ward = "Surgical"
)

var validWards = map[Ward]bool{
	WardICU: true, WardER: true, WardGeneral: true,
	WardPediatric: true, WardMaternity: true, WardSurgical: true,
}

// Valid reports whether w is a known ward.
func (w Ward) Valid() bool { return validWards[w] }

type BedStatus string

const (
	BedAvailable   BedStatus = "Available"
	BedOccupied    BedStatus = "Occupied"
	BedReserved    BedStatus = "Reserved"
	BedMaintenance BedStatus = "Maintenance"
)

func (s BedStatus) Valid() bool {
	switch s {
	case BedAvailable, BedOccupied, BedReserved, BedMaintenance:
		return true
	}
	return false
}

type PatientStatus string

const (
	PatientAdmitted    PatientStatus = "Admitted"
	PatientDischarged  PatientStatus = "Discharged"
	PatientTransferred PatientStatus = "Transferred"
	PatientDeceased    PatientStatus = "Deceased"
)

func (s PatientStatus) Valid() bool {
	switch s {
	case PatientAdmitted, PatientDischarged, PatientTransferred, PatientDeceased:
		return true
	}
	return false
}

type EquipmentStatus string

const (
	EquipmentAvailable   EquipmentStatus = "Available"
	EquipmentInUse       EquipmentStatus = "In Use"
	EquipmentMaintenance EquipmentStatus = "Maintenance"
	EquipmentOutOfOrder  EquipmentStatus = "Out of Order"
)

func (s EquipmentStatus) Valid() bool {
	switch s {
	case EquipmentAvailable, EquipmentInUse, EquipmentMaintenance, EquipmentOutOfOrder:
		return true
	}
	return false
}

// Occupant is a denormalized copy of the patient taken when a bed is assigned.
// It is not refreshed when the patient record changes later.
type Occupant struct {
	PatientID             string     `json:"patientId"`
	Name                  string     `json:"name"`
	Age                   int        `json:"age"`
	Gender                string     `json:"gender"`
	Diagnosis             string     `json:"diagnosis"`
	AdmissionDate         time.Time  `json:"admissionDate"`
	ExpectedDischargeDate *time.Time `json:"expectedDischargeDate,omitempty"`
}

type Reservation struct {
	Name          string    `json:"name"`
	AdmissionTime time.Time `json:"admissionTime"`
}

// HistoryEntry is one immutable line of a bed's status/occupant history.
type HistoryEntry struct {
	Timestamp         time.Time `json:"timestamp"`
	Status            BedStatus `json:"status"`
	OccupantName      *string   `json:"occupantName,omitempty"`
	OccupantPatientID *string   `json:"occupantPatientId,omitempty"`
}

// Bed maps to a bed document.
type Bed struct {
	ID          string         `json:"id"`
	Ward        Ward           `json:"ward"`
	Status      BedStatus      `json:"status"`
	Occupant    *Occupant      `json:"occupant,omitempty"`
	Reservation *Reservation   `json:"reservation,omitempty"`
	History     []HistoryEntry `json:"history"`
}

// Patient maps to a patient document. ID is the business key; RecordID is
// the storage identifier assigned when the record is first created.
type Patient struct {
	ID                    string        `json:"id"`
	RecordID              uuid.UUID     `json:"recordId"`
	Name                  string        `json:"name"`
	Age                   int           `json:"age"`
	Gender                string        `json:"gender"`
	Diagnosis             string        `json:"diagnosis"`
	ContactNumber         *string       `json:"contactNumber,omitempty"`
	Status                PatientStatus `json:"status"`
	AssignedBed           *string       `json:"assignedBed,omitempty"`
	AssignedDoctor        *string       `json:"assignedDoctor,omitempty"`
	AssignedNurse         *string       `json:"assignedNurse,omitempty"`
	AdmissionDate         time.Time     `json:"admissionDate"`
	ExpectedDischargeDate *time.Time    `json:"expectedDischargeDate,omitempty"`
	DischargeDate         *time.Time    `json:"dischargeDate,omitempty"`
}

// Snapshot builds the occupant copy stored on a bed.
func (p *Patient) Snapshot() *Occupant {
	occ := &Occupant{
		PatientID:     p.ID,
		Name:          p.Name,
		Age:           p.Age,
		Gender:        p.Gender,
		Diagnosis:     p.Diagnosis,
		AdmissionDate: p.AdmissionDate,
	}
	if p.ExpectedDischargeDate != nil {
		d := *p.ExpectedDischargeDate
		occ.ExpectedDischargeDate = &d
	}
	return occ
}

type Staff struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	StaffType        string `json:"staffType"`
	OnDuty           bool   `json:"onDuty"`
	PatientsAssigned int    `json:"patientsAssigned"`
}

// UsageEntry is one usage window of a piece of equipment. A nil EndDate
// marks the window as open.
type UsageEntry struct {
	StartDate  time.Time  `json:"startDate"`
	EndDate    *time.Time `json:"endDate,omitempty"`
	Patient    *string    `json:"patient,omitempty"`
	Department *string    `json:"department,omitempty"`
}

type Equipment struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Status   EquipmentStatus `json:"status"`
	UsageLog []UsageEntry    `json:"usageLog"`
}

// OpenUsage returns the index of the open usage window, or -1.
func (e *Equipment) OpenUsage() int {
	for i := range e.UsageLog {
		if e.UsageLog[i].EndDate == nil {
			return i
		}
	}
	return -1
}

// Validate checks the structural fields of a bed document.
func (b *Bed) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("bed id is required")
	}
	if !b.Ward.Valid() {
		return fmt.Errorf("invalid ward: %q", b.Ward)
	}
	if !b.Status.Valid() {
		return fmt.Errorf("invalid bed status: %q", b.Status)
	}
	if (b.Status == BedOccupied) != (b.Occupant != nil) {
		return fmt.Errorf("bed %s: occupant must be set exactly when status is %s", b.ID, BedOccupied)
	}
	if (b.Status == BedReserved) != (b.Reservation != nil) {
		return fmt.Errorf("bed %s: reservation must be set exactly when status is %s", b.ID, BedReserved)
	}
	return nil
}

func (s *Staff) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("staff id is required")
	}
	if s.PatientsAssigned < 0 {
		return fmt.Errorf("staff %s: patientsAssigned must not be negative", s.ID)
	}
	return nil
}

func (e *Equipment) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("equipment id is required")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("invalid equipment status: %q", e.Status)
	}
	open := 0
	for _, u := range e.UsageLog {
		if u.EndDate == nil {
			open++
		}
	}
	if open > 1 {
		return fmt.Errorf("equipment %s: %d open usage windows", e.ID, open)
	}
	return nil
}

// StrPtr returns a pointer to s, or nil when s is empty.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StrVal dereferences p, returning "" for nil.
func StrVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Clone returns a deep copy of the bed.
func (b *Bed) Clone() *Bed {
	cp := *b
	if b.Occupant != nil {
		occ := *b.Occupant
		if b.Occupant.ExpectedDischargeDate != nil {
			d := *b.Occupant.ExpectedDischargeDate
			occ.ExpectedDischargeDate = &d
		}
		cp.Occupant = &occ
	}
	if b.Reservation != nil {
		r := *b.Reservation
		cp.Reservation = &r
	}
	cp.History = make([]HistoryEntry, len(b.History))
	for i, h := range b.History {
		cp.History[i] = h
		cp.History[i].OccupantName = clonePtr(h.OccupantName)
		cp.History[i].OccupantPatientID = clonePtr(h.OccupantPatientID)
	}
	return &cp
}

// Clone returns a deep copy of the patient.
func (p *Patient) Clone() *Patient {
	cp := *p
	cp.ContactNumber = clonePtr(p.ContactNumber)
	cp.AssignedBed = clonePtr(p.AssignedBed)
	cp.AssignedDoctor = clonePtr(p.AssignedDoctor)
	cp.AssignedNurse = clonePtr(p.AssignedNurse)
	cp.ExpectedDischargeDate = clonePtr(p.ExpectedDischargeDate)
	cp.DischargeDate = clonePtr(p.DischargeDate)
	return &cp
}

// Clone returns a deep copy of the equipment.
func (e *Equipment) Clone() *Equipment {
	cp := *e
	cp.UsageLog = make([]UsageEntry, len(e.UsageLog))
	for i, u := range e.UsageLog {
		cp.UsageLog[i] = UsageEntry{
			StartDate:  u.StartDate,
			EndDate:    clonePtr(u.EndDate),
			Patient:    clonePtr(u.Patient),
			Department: clonePtr(u.Department),
		}
	}
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
