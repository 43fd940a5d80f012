package allocation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospital/ops/internal/domain/records"
)

func TestCheckConsistency_FindsBrokenLinks(t *testing.T) {
	svc, repo := newFixture(t)
	ctx := context.Background()
	p1 := addPatient(t, repo, "P1", "Ann Lee")
	addPatient(t, repo, "P2", "Bo Chan")

	// P1 points at B2 which is empty; B1 holds P2 who does not point back
	p1.AssignedBed = strp("B2")
	require.NoError(t, repo.PutPatient(ctx, p1))
	require.NoError(t, repo.PutBed(ctx, &records.Bed{
		ID: "B1", Ward: records.WardICU, Status: records.BedOccupied,
		Occupant: &records.Occupant{PatientID: "P2", Name: "Bo Chan"},
	}))

	rep, err := svc.CheckConsistency(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Consistent())
	require.Len(t, rep.BedViolations, 2)
	assert.Equal(t, "B1", rep.BedViolations[0].BedID)
	assert.Equal(t, "P2", rep.BedViolations[0].PatientID)
	assert.Equal(t, "B2", rep.BedViolations[1].BedID)
	assert.Equal(t, "P1", rep.BedViolations[1].PatientID)
	assert.Equal(t, fixedNow, rep.CheckedAt)
}

func TestCheckConsistency_EquipmentStatusMismatch(t *testing.T) {
	svc, repo := newFixture(t)
	ctx := context.Background()
	require.NoError(t, repo.PutEquipment(ctx, &records.Equipment{ID: "E2", Name: "Monitor", Status: records.EquipmentInUse}))

	rep, err := svc.CheckConsistency(ctx)
	require.NoError(t, err)
	require.Len(t, rep.EquipmentFaults, 1)
	assert.Contains(t, rep.EquipmentFaults[0], "E2")
}

func TestRecountStaffLoad(t *testing.T) {
	svc, repo := newFixture(t)
	ctx := context.Background()
	addPatient(t, repo, "P1", "Ann Lee")
	_, err := svc.ReassignStaff(ctx, "P1", RoleDoctor, strp("D1"))
	require.NoError(t, err)

	// counters drift behind the engine's back
	d1, err := repo.GetStaff(ctx, "D1")
	require.NoError(t, err)
	d1.PatientsAssigned = 5
	require.NoError(t, repo.PutStaff(ctx, d1))
	n1, err := repo.GetStaff(ctx, "N1")
	require.NoError(t, err)
	n1.PatientsAssigned = 2
	require.NoError(t, repo.PutStaff(ctx, n1))

	drift, err := svc.RecountStaffLoad(ctx, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []StaffDrift{
		{StaffID: "D1", Recorded: 5, Expected: 1},
		{StaffID: "N1", Recorded: 2, Expected: 0},
	}, drift)
	assert.Equal(t, 5, staffLoad(t, repo, "D1"), "dry run must not write")

	repaired, err := svc.RecountStaffLoad(ctx, true)
	require.NoError(t, err)
	for _, d := range repaired {
		assert.True(t, d.Repaired, "%s not repaired", d.StaffID)
	}
	assert.Equal(t, 1, staffLoad(t, repo, "D1"))
	assert.Equal(t, 0, staffLoad(t, repo, "N1"))
	requireConsistent(t, svc)
}

// midScanRepo runs hook once, the first time the staff list is read.
type midScanRepo struct {
	records.Repository
	once sync.Once
	hook func()
}

func (r *midScanRepo) ListStaff(ctx context.Context) ([]*records.Staff, error) {
	r.once.Do(r.hook)
	return r.Repository.ListStaff(ctx)
}

func TestRecountStaffLoad_SkipsCounterMovedSinceScan(t *testing.T) {
	inner := records.NewMemoryRepo()
	seedFixture(t, inner)
	addPatient(t, inner, "P1", "Ann Lee")
	repo := &midScanRepo{Repository: inner}
	svc := NewService(repo)
	ctx := context.Background()

	// the assignment lands after the scan read patients but before it read staff
	repo.hook = func() {
		_, err := svc.ReassignStaff(ctx, "P1", RoleDoctor, strp("D1"))
		require.NoError(t, err)
	}

	drift, err := svc.RecountStaffLoad(ctx, true)
	require.NoError(t, err)
	require.Equal(t, []StaffDrift{{StaffID: "D1", Recorded: 1, Expected: 0}}, drift)

	assert.Equal(t, 1, staffLoad(t, inner, "D1"))
	requireConsistent(t, svc)

	again, err := svc.RecountStaffLoad(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, again)
}
