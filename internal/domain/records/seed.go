package records

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Fixture describes the resources a ward starts with. Linkage state
// (occupants, reservations, counters, open usage windows) is never seeded:
// it only comes into existence through the allocation engine.
type Fixture struct {
	Beds []struct {
		ID     string    `yaml:"id"`
		Ward   Ward      `yaml:"ward"`
		Status BedStatus `yaml:"status"`
	} `yaml:"beds"`
	Staff []struct {
		ID        string `yaml:"id"`
		Name      string `yaml:"name"`
		StaffType string `yaml:"staffType"`
		OnDuty    bool   `yaml:"onDuty"`
	} `yaml:"staff"`
	Equipment []struct {
		ID     string          `yaml:"id"`
		Name   string          `yaml:"name"`
		Status EquipmentStatus `yaml:"status"`
	} `yaml:"equipment"`
}

// SeedSummary counts the documents written by Seed.
type SeedSummary struct {
	Beds      int `json:"beds"`
	Staff     int `json:"staff"`
	Equipment int `json:"equipment"`
	Skipped   int `json:"skipped"`
}

// DecodeFixture parses a YAML fixture.
func DecodeFixture(r io.Reader) (*Fixture, error) {
	var f Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	return &f, nil
}

// Seed creates the fixture's records. Existing documents are left untouched
// so that seeding never overwrites linkage state.
func Seed(ctx context.Context, repo Repository, f *Fixture) (SeedSummary, error) {
	var sum SeedSummary
	for _, fb := range f.Beds {
		status := fb.Status
		if status == "" {
			status = BedAvailable
		}
		if status != BedAvailable && status != BedMaintenance {
			return sum, fmt.Errorf("bed %s: seed status must be %s or %s", fb.ID, BedAvailable, BedMaintenance)
		}
		bed := &Bed{ID: fb.ID, Ward: fb.Ward, Status: status, History: []HistoryEntry{}}
		if err := bed.Validate(); err != nil {
			return sum, err
		}
		created, err := putIfAbsent(func() error { _, err := repo.GetBed(ctx, bed.ID); return err },
			func() error { return repo.PutBed(ctx, bed) })
		if err != nil {
			return sum, fmt.Errorf("seed bed %s: %w", bed.ID, err)
		}
		if created {
			sum.Beds++
		} else {
			sum.Skipped++
		}
	}
	for _, fs := range f.Staff {
		st := &Staff{ID: fs.ID, Name: fs.Name, StaffType: fs.StaffType, OnDuty: fs.OnDuty}
		if err := st.Validate(); err != nil {
			return sum, err
		}
		created, err := putIfAbsent(func() error { _, err := repo.GetStaff(ctx, st.ID); return err },
			func() error { return repo.PutStaff(ctx, st) })
		if err != nil {
			return sum, fmt.Errorf("seed staff %s: %w", st.ID, err)
		}
		if created {
			sum.Staff++
		} else {
			sum.Skipped++
		}
	}
	for _, fe := range f.Equipment {
		status := fe.Status
		if status == "" {
			status = EquipmentAvailable
		}
		if status == EquipmentInUse {
			return sum, fmt.Errorf("equipment %s: cannot seed as %q", fe.ID, EquipmentInUse)
		}
		eq := &Equipment{ID: fe.ID, Name: fe.Name, Status: status, UsageLog: []UsageEntry{}}
		if err := eq.Validate(); err != nil {
			return sum, err
		}
		created, err := putIfAbsent(func() error { _, err := repo.GetEquipment(ctx, eq.ID); return err },
			func() error { return repo.PutEquipment(ctx, eq) })
		if err != nil {
			return sum, fmt.Errorf("seed equipment %s: %w", eq.ID, err)
		}
		if created {
			sum.Equipment++
		} else {
			sum.Skipped++
		}
	}
	return sum, nil
}

func putIfAbsent(lookup func() error, put func() error) (bool, error) {
	err := lookup()
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	return true, put()
}
