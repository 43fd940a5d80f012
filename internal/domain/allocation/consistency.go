package allocation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hospital/ops/internal/domain/records"
)

// LinkViolation is a bed/patient pointer pair that disagrees.
type LinkViolation struct {
	BedID     string `json:"bedId,omitempty"`
	PatientID string `json:"patientId,omitempty"`
	Reason    string `json:"reason"`
}

// StaffDrift is a staff counter that does not match the patient links.
type StaffDrift struct {
	StaffID  string `json:"staffId"`
	Recorded int    `json:"recorded"`
	Expected int    `json:"expected"`
	Repaired bool   `json:"repaired,omitempty"`
}

// ConsistencyReport is the result of a full scan of the store.
type ConsistencyReport struct {
	CheckedAt       time.Time       `json:"checkedAt"`
	BedViolations   []LinkViolation `json:"bedViolations"`
	StaffDrift      []StaffDrift    `json:"staffDrift"`
	EquipmentFaults []string        `json:"equipmentFaults"`
}

// Consistent reports whether the scan found nothing.
func (r ConsistencyReport) Consistent() bool {
	return len(r.BedViolations) == 0 && len(r.StaffDrift) == 0 && len(r.EquipmentFaults) == 0
}

type snapshot struct {
	beds      []*records.Bed
	patients  []*records.Patient
	staff     []*records.Staff
	equipment []*records.Equipment
}

func (s *Service) scan(ctx context.Context) (*snapshot, error) {
	var (
		snap snapshot
		err  error
	)
	if snap.beds, err = s.repo.ListBeds(ctx); err != nil {
		return nil, persistence("list beds", err)
	}
	if snap.patients, err = s.repo.ListPatients(ctx); err != nil {
		return nil, persistence("list patients", err)
	}
	if snap.staff, err = s.repo.ListStaff(ctx); err != nil {
		return nil, persistence("list staff", err)
	}
	if snap.equipment, err = s.repo.ListEquipment(ctx); err != nil {
		return nil, persistence("list equipment", err)
	}
	return &snap, nil
}

// expectedLoad counts, per staff id, the patients naming it as doctor or
// nurse.
func expectedLoad(patients []*records.Patient) map[string]int {
	load := map[string]int{}
	for _, p := range patients {
		if id := records.StrVal(p.AssignedDoctor); id != "" {
			load[id]++
		}
		if id := records.StrVal(p.AssignedNurse); id != "" {
			load[id]++
		}
	}
	return load
}

func staffDrift(staff []*records.Staff, patients []*records.Patient) []StaffDrift {
	load := expectedLoad(patients)
	out := []StaffDrift{}
	for _, st := range staff {
		if want := load[st.ID]; want != st.PatientsAssigned {
			out = append(out, StaffDrift{StaffID: st.ID, Recorded: st.PatientsAssigned, Expected: want})
		}
	}
	return out
}

func bedViolations(beds []*records.Bed, patients []*records.Patient) []LinkViolation {
	out := []LinkViolation{}
	byID := make(map[string]*records.Bed, len(beds))
	for _, b := range beds {
		byID[b.ID] = b
		if err := b.Validate(); err != nil {
			out = append(out, LinkViolation{BedID: b.ID, Reason: err.Error()})
		}
	}

	holders := map[string][]string{}
	for _, p := range patients {
		bedID := records.StrVal(p.AssignedBed)
		if bedID == "" {
			continue
		}
		holders[bedID] = append(holders[bedID], p.ID)
		b, ok := byID[bedID]
		switch {
		case !ok:
			out = append(out, LinkViolation{BedID: bedID, PatientID: p.ID, Reason: "patient points at a missing bed"})
		case b.Status != records.BedOccupied || b.Occupant == nil || b.Occupant.PatientID != p.ID:
			out = append(out, LinkViolation{BedID: bedID, PatientID: p.ID, Reason: "bed does not hold the patient that points at it"})
		}
	}
	for bedID, ids := range holders {
		if len(ids) > 1 {
			sort.Strings(ids)
			out = append(out, LinkViolation{BedID: bedID, Reason: fmt.Sprintf("claimed by %d patients: %v", len(ids), ids)})
		}
	}

	patientBed := make(map[string]string, len(patients))
	for _, p := range patients {
		patientBed[p.ID] = records.StrVal(p.AssignedBed)
	}
	for _, b := range beds {
		if b.Status != records.BedOccupied || b.Occupant == nil {
			continue
		}
		if got, ok := patientBed[b.Occupant.PatientID]; !ok || got != b.ID {
			out = append(out, LinkViolation{BedID: b.ID, PatientID: b.Occupant.PatientID, Reason: "occupant does not point back at the bed"})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BedID != out[j].BedID {
			return out[i].BedID < out[j].BedID
		}
		return out[i].PatientID < out[j].PatientID
	})
	return out
}

func equipmentFaults(items []*records.Equipment) []string {
	out := []string{}
	for _, e := range items {
		if err := e.Validate(); err != nil {
			out = append(out, err.Error())
			continue
		}
		if (e.Status == records.EquipmentInUse) != (e.OpenUsage() >= 0) {
			out = append(out, fmt.Sprintf("equipment %s: status %s does not match usage log", e.ID, e.Status))
		}
	}
	return out
}

// CheckConsistency scans the store without locking and reports every broken
// link. Results from a busy system may include in-flight operations.
func (s *Service) CheckConsistency(ctx context.Context) (ConsistencyReport, error) {
	snap, err := s.scan(ctx)
	if err != nil {
		return ConsistencyReport{}, err
	}
	rep := ConsistencyReport{
		CheckedAt:       s.now().UTC(),
		BedViolations:   bedViolations(snap.beds, snap.patients),
		StaffDrift:      staffDrift(snap.staff, snap.patients),
		EquipmentFaults: equipmentFaults(snap.equipment),
	}
	s.metrics.SetConsistency(len(rep.StaffDrift), len(rep.BedViolations))
	return rep, nil
}

// RecountStaffLoad recomputes patientsAssigned from the patient links. With
// apply set, each drifted counter is re-checked under its staff lock and
// rewritten only when both the counter and the patient links still match the
// scan; anything that moved in between is reported with Repaired unset and
// left for the next run.
func (s *Service) RecountStaffLoad(ctx context.Context, apply bool) ([]StaffDrift, error) {
	start := time.Now()
	snap, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	drift := staffDrift(snap.staff, snap.patients)
	if !apply || len(drift) == 0 {
		s.metrics.SetConsistency(len(drift), len(bedViolations(snap.beds, snap.patients)))
		return drift, nil
	}

	remaining := 0
	for i, d := range drift {
		repaired, err := s.repairCounter(ctx, d)
		if err != nil {
			s.metrics.ObserveOperation("recount_staff", outcomeOf(err), time.Since(start))
			return drift, err
		}
		drift[i].Repaired = repaired
		if !repaired {
			remaining++
			s.log.Warn().Str("staff_id", d.StaffID).Int("recorded", d.Recorded).Int("expected", d.Expected).
				Msg("staff counter changed since scan, left for next recount")
			continue
		}
		s.log.Info().Str("staff_id", d.StaffID).Int("recorded", d.Recorded).Int("expected", d.Expected).
			Msg("staff counter repaired")
	}
	s.metrics.SetConsistency(remaining, len(bedViolations(snap.beds, snap.patients)))
	s.metrics.ObserveOperation("recount_staff", "ok", time.Since(start))
	return drift, nil
}

// repairCounter writes d.Expected when the stored counter still equals
// d.Recorded and a fresh read of the patient links still yields d.Expected.
func (s *Service) repairCounter(ctx context.Context, d StaffDrift) (bool, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	release, err := s.locker.Acquire(lockCtx, staffKey(d.StaffID))
	if err != nil {
		return false, fromLock(err)
	}
	defer release()

	st, err := s.repo.GetStaff(ctx, d.StaffID)
	if err != nil {
		return false, fromRead(records.KindStaff, d.StaffID, err)
	}
	if st.PatientsAssigned != d.Recorded {
		return false, nil
	}
	patients, err := s.repo.ListPatients(ctx)
	if err != nil {
		return false, persistence("list patients", err)
	}
	if expectedLoad(patients)[d.StaffID] != d.Expected {
		return false, nil
	}
	st.PatientsAssigned = d.Expected
	if err := s.repo.PutStaff(ctx, st); err != nil {
		return false, persistence("write staff "+d.StaffID, err)
	}
	return true, nil
}
