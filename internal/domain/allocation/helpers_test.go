package allocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hospital/ops/internal/domain/records"
)

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// newFixture returns an engine over an in-memory store holding:
// beds B1 (ICU) and B2 (General) Available, B3 (General) in Maintenance;
// staff D1, D2 (doctors) and N1 (nurse) with no patients; equipment E1.
func newFixture(t *testing.T, opts ...Option) (*Service, records.Repository) {
	t.Helper()
	repo := records.NewMemoryRepo()
	seedFixture(t, repo)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewService(repo, opts...), repo
}

func seedFixture(t *testing.T, repo records.Repository) {
	t.Helper()
	ctx := context.Background()
	for _, b := range []*records.Bed{
		{ID: "B1", Ward: records.WardICU, Status: records.BedAvailable},
		{ID: "B2", Ward: records.WardGeneral, Status: records.BedAvailable},
		{ID: "B3", Ward: records.WardGeneral, Status: records.BedMaintenance},
	} {
		require.NoError(t, repo.PutBed(ctx, b))
	}
	for _, s := range []*records.Staff{
		{ID: "D1", Name: "Dr. Grey", StaffType: "Doctor", OnDuty: true},
		{ID: "D2", Name: "Dr. Shepherd", StaffType: "Doctor", OnDuty: true},
		{ID: "N1", Name: "Nurse Tyler", StaffType: "Nurse", OnDuty: true},
	} {
		require.NoError(t, repo.PutStaff(ctx, s))
	}
	require.NoError(t, repo.PutEquipment(ctx, &records.Equipment{ID: "E1", Name: "Ventilator", Status: records.EquipmentAvailable}))
}

// addPatient stores an Admitted patient with no links.
func addPatient(t *testing.T, repo records.Repository, id, name string) *records.Patient {
	t.Helper()
	p := &records.Patient{
		ID:            id,
		RecordID:      uuid.New(),
		Name:          name,
		Age:           40,
		Gender:        "F",
		Diagnosis:     "Pneumonia",
		Status:        records.PatientAdmitted,
		AdmissionDate: fixedNow.Add(-24 * time.Hour),
	}
	require.NoError(t, repo.PutPatient(context.Background(), p))
	return p
}

func getBed(t *testing.T, repo records.Repository, id string) *records.Bed {
	t.Helper()
	b, err := repo.GetBed(context.Background(), id)
	require.NoError(t, err)
	return b
}

func getPatient(t *testing.T, repo records.Repository, id string) *records.Patient {
	t.Helper()
	p, err := repo.GetPatient(context.Background(), id)
	require.NoError(t, err)
	return p
}

func staffLoad(t *testing.T, repo records.Repository, id string) int {
	t.Helper()
	s, err := repo.GetStaff(context.Background(), id)
	require.NoError(t, err)
	return s.PatientsAssigned
}

func requireConsistent(t *testing.T, svc *Service) {
	t.Helper()
	rep, err := svc.CheckConsistency(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Consistent(), "store inconsistent: %+v", rep)
}

func strp(s string) *string { return &s }

var errInjected = errors.New("injected store failure")

// flakyRepo fails selected calls. failAfter(op, n) lets the first n calls of
// op through and fails the next one only.
type flakyRepo struct {
	records.Repository

	mu    sync.Mutex
	rules map[string]int
	calls map[string]int
}

func newFlakyRepo(inner records.Repository) *flakyRepo {
	return &flakyRepo{Repository: inner, rules: map[string]int{}, calls: map[string]int{}}
}

func (f *flakyRepo) failAfter(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[op] = n
	f.calls[op] = 0
}

func (f *flakyRepo) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = map[string]int{}
}

func (f *flakyRepo) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.rules[op]
	if !ok {
		return nil
	}
	f.calls[op]++
	if f.calls[op] == n+1 {
		return errInjected
	}
	return nil
}

func (f *flakyRepo) PutBed(ctx context.Context, b *records.Bed) error {
	if err := f.check("PutBed"); err != nil {
		return err
	}
	return f.Repository.PutBed(ctx, b)
}

func (f *flakyRepo) PutPatient(ctx context.Context, p *records.Patient) error {
	if err := f.check("PutPatient"); err != nil {
		return err
	}
	return f.Repository.PutPatient(ctx, p)
}

func (f *flakyRepo) PutStaff(ctx context.Context, s *records.Staff) error {
	if err := f.check("PutStaff"); err != nil {
		return err
	}
	return f.Repository.PutStaff(ctx, s)
}

func (f *flakyRepo) GetPatient(ctx context.Context, id string) (*records.Patient, error) {
	if err := f.check("GetPatient"); err != nil {
		return nil, err
	}
	return f.Repository.GetPatient(ctx, id)
}
