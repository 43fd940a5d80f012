package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("record not found")

// Repository is the record store the engine reads and writes. Every call is
// atomic for a single document only; nothing spans two documents.
type Repository interface {
	GetBed(ctx context.Context, id string) (*Bed, error)
	PutBed(ctx context.Context, b *Bed) error
	ListBeds(ctx context.Context) ([]*Bed, error)

	GetPatient(ctx context.Context, id string) (*Patient, error)
	PutPatient(ctx context.Context, p *Patient) error
	DeletePatient(ctx context.Context, id string) error
	ListPatients(ctx context.Context) ([]*Patient, error)

	GetStaff(ctx context.Context, id string) (*Staff, error)
	PutStaff(ctx context.Context, s *Staff) error
	ListStaff(ctx context.Context) ([]*Staff, error)

	GetEquipment(ctx context.Context, id string) (*Equipment, error)
	PutEquipment(ctx context.Context, e *Equipment) error
	ListEquipment(ctx context.Context) ([]*Equipment, error)

	Ping(ctx context.Context) error
}

// documentStore is the raw keyed-blob contract each backend implements.
type documentStore interface {
	get(ctx context.Context, kind Kind, id string) ([]byte, error)
	put(ctx context.Context, kind Kind, id string, doc []byte) error
	remove(ctx context.Context, kind Kind, id string) error
	list(ctx context.Context, kind Kind) ([][]byte, error)
	ping(ctx context.Context) error
}

// docRepo adapts a documentStore to the typed Repository. Documents are
// JSON encoded, so every read returns a private copy.
type docRepo struct {
	store documentStore
}

func getTyped[T any](ctx context.Context, s documentStore, kind Kind, id string) (*T, error) {
	raw, err := s.get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return &v, nil
}

func putTyped(ctx context.Context, s documentStore, kind Kind, id string, v any) error {
	if id == "" {
		return fmt.Errorf("put %s: empty id", kind)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	return s.put(ctx, kind, id, raw)
}

func listTyped[T any](ctx context.Context, s documentStore, kind Kind, idOf func(*T) string) ([]*T, error) {
	raws, err := s.list(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		out = append(out, &v)
	}
	sort.Slice(out, func(i, j int) bool { return idOf(out[i]) < idOf(out[j]) })
	return out, nil
}

func (r *docRepo) GetBed(ctx context.Context, id string) (*Bed, error) {
	return getTyped[Bed](ctx, r.store, KindBed, id)
}

func (r *docRepo) PutBed(ctx context.Context, b *Bed) error {
	if b.History == nil {
		b.History = []HistoryEntry{}
	}
	return putTyped(ctx, r.store, KindBed, b.ID, b)
}

func (r *docRepo) ListBeds(ctx context.Context) ([]*Bed, error) {
	return listTyped(ctx, r.store, KindBed, func(b *Bed) string { return b.ID })
}

func (r *docRepo) GetPatient(ctx context.Context, id string) (*Patient, error) {
	return getTyped[Patient](ctx, r.store, KindPatient, id)
}

func (r *docRepo) PutPatient(ctx context.Context, p *Patient) error {
	return putTyped(ctx, r.store, KindPatient, p.ID, p)
}

func (r *docRepo) DeletePatient(ctx context.Context, id string) error {
	return r.store.remove(ctx, KindPatient, id)
}

func (r *docRepo) ListPatients(ctx context.Context) ([]*Patient, error) {
	return listTyped(ctx, r.store, KindPatient, func(p *Patient) string { return p.ID })
}

func (r *docRepo) GetStaff(ctx context.Context, id string) (*Staff, error) {
	return getTyped[Staff](ctx, r.store, KindStaff, id)
}

func (r *docRepo) PutStaff(ctx context.Context, s *Staff) error {
	return putTyped(ctx, r.store, KindStaff, s.ID, s)
}

func (r *docRepo) ListStaff(ctx context.Context) ([]*Staff, error) {
	return listTyped(ctx, r.store, KindStaff, func(s *Staff) string { return s.ID })
}

func (r *docRepo) GetEquipment(ctx context.Context, id string) (*Equipment, error) {
	return getTyped[Equipment](ctx, r.store, KindEquipment, id)
}

func (r *docRepo) PutEquipment(ctx context.Context, e *Equipment) error {
	if e.UsageLog == nil {
		e.UsageLog = []UsageEntry{}
	}
	return putTyped(ctx, r.store, KindEquipment, e.ID, e)
}

func (r *docRepo) ListEquipment(ctx context.Context) ([]*Equipment, error) {
	return listTyped(ctx, r.store, KindEquipment, func(e *Equipment) string { return e.ID })
}

func (r *docRepo) Ping(ctx context.Context) error {
	return r.store.ping(ctx)
}
