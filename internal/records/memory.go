package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"booking-workers/internal/models"
)

// MemoryStore is an in-process Store used by tests and by local runs without Postgres.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	unique  map[string]string
	seq     int64
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		unique:  make(map[string]string),
		now:     time.Now,
	}
}

func uniqueIndex(table, key string) string {
	return table + "\x00" + key
}

func (m *MemoryStore) Get(_ context.Context, table, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Table != table {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) FindOne(ctx context.Context, table string, filter Filter) (Record, error) {
	recs, err := m.Find(ctx, table, filter, 1)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[0], nil
}

func (m *MemoryStore) Find(_ context.Context, table string, filter Filter, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.Table != table || !matches(rec.Fields, filter) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Create(_ context.Context, rec NewRecord) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.UniqueKey != "" {
		if _, exists := m.unique[uniqueIndex(rec.Table, rec.UniqueKey)]; exists {
			return Record{}, ErrConflict
		}
	}
	m.seq++
	// Nanosecond offsets keep creation order stable when the clock does not advance.
	now := m.now().UTC().Add(time.Duration(m.seq))
	out := Record{
		ID:        newID(),
		Table:     rec.Table,
		UniqueKey: rec.UniqueKey,
		Fields:    normalizeFields(rec.Fields),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.records[out.ID] = out
	if rec.UniqueKey != "" {
		m.unique[uniqueIndex(rec.Table, rec.UniqueKey)] = out.ID
	}
	return cloneRecord(out), nil
}

func (m *MemoryStore) Patch(_ context.Context, table, id string, fields map[string]any) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Table != table {
		return Record{}, ErrNotFound
	}
	merged := copyFields(rec.Fields)
	for k, v := range normalizeFields(fields) {
		merged[k] = v
	}
	rec.Fields = merged
	rec.UpdatedAt = m.now().UTC()
	m.records[id] = rec
	return cloneRecord(rec), nil
}

func matches(fields map[string]any, filter Filter) bool {
	for k, want := range filter {
		if models.FieldString(fields, k) != want {
			return false
		}
	}
	return true
}

// normalizeFields mirrors the jsonb round trip: integers become float64.
func normalizeFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		default:
			out[k] = v
		}
	}
	return out
}

func cloneRecord(rec Record) Record {
	rec.Fields = copyFields(rec.Fields)
	return rec
}
