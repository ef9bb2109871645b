package recordstore

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"dsgate/internal/gwerr"
	"dsgate/internal/models"
)

type memoryRecord struct {
	seq     int64
	id      string
	props   map[string]any
	created time.Time
	updated time.Time
}

func (r *memoryRecord) toRecord(class string) models.Record {
	return models.Record{
		Ref:        models.RecordRef{Class: class, ID: r.id},
		Properties: cloneProperties(r.props),
		CreatedAt:  r.created,
		UpdatedAt:  r.updated,
	}
}

type memoryClass struct {
	bySeq *btree.Map[int64, *memoryRecord]
	byID  map[string]*memoryRecord
}

// MemoryStore is an in-process RecordStore ordered by insertion sequence.
type MemoryStore struct {
	mu      sync.RWMutex
	classes map[string]*memoryClass
	seq     int64
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		classes: make(map[string]*memoryClass),
		now:     time.Now,
	}
}

// SetClock overrides the time source used for record timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) class(name string, create bool) *memoryClass {
	c, ok := m.classes[name]
	if !ok && create {
		c = &memoryClass{
			bySeq: btree.NewMap[int64, *memoryRecord](0),
			byID:  make(map[string]*memoryRecord),
		}
		m.classes[name] = c
	}
	return c
}

func (m *MemoryStore) Create(ctx context.Context, class string, properties map[string]any, opts CreateOptions) (models.RecordRef, error) {
	if err := validateClass(class); err != nil {
		return models.RecordRef{}, err
	}
	if _, err := marshalProperties(properties); err != nil {
		return models.RecordRef{}, err
	}
	id, err := resolveID(opts)
	if err != nil {
		return models.RecordRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.RecordRef{}, gwerr.FromContext("record create", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.class(class, true)
	if _, exists := c.byID[id]; exists {
		return models.RecordRef{}, gwerr.Validation("record %s/%s already exists", class, id)
	}
	m.seq++
	now := m.now().UTC()
	rec := &memoryRecord{
		seq:     m.seq,
		id:      id,
		props:   cloneProperties(properties),
		created: now,
		updated: now,
	}
	c.bySeq.Set(rec.seq, rec)
	c.byID[id] = rec
	return models.RecordRef{Class: class, ID: id}, nil
}

func (m *MemoryStore) Get(ctx context.Context, ref models.RecordRef) (models.Record, error) {
	if err := validateRef(ref); err != nil {
		return models.Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Record{}, gwerr.FromContext("record get", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c := m.class(ref.Class, false)
	if c == nil {
		return models.Record{}, gwerr.NotFound("record %s", ref)
	}
	rec, ok := c.byID[ref.ID]
	if !ok {
		return models.Record{}, gwerr.NotFound("record %s", ref)
	}
	return rec.toRecord(ref.Class), nil
}

// Update replaces the record's properties.
func (m *MemoryStore) Update(ctx context.Context, ref models.RecordRef, properties map[string]any) (models.Record, error) {
	if err := validateRef(ref); err != nil {
		return models.Record{}, err
	}
	if _, err := marshalProperties(properties); err != nil {
		return models.Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Record{}, gwerr.FromContext("record update", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.class(ref.Class, false)
	if c == nil {
		return models.Record{}, gwerr.NotFound("record %s", ref)
	}
	rec, ok := c.byID[ref.ID]
	if !ok {
		return models.Record{}, gwerr.NotFound("record %s", ref)
	}
	rec.props = cloneProperties(properties)
	rec.updated = m.now().UTC()
	return rec.toRecord(ref.Class), nil
}

func (m *MemoryStore) Delete(ctx context.Context, ref models.RecordRef) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return gwerr.FromContext("record delete", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.class(ref.Class, false)
	if c == nil {
		return nil
	}
	rec, ok := c.byID[ref.ID]
	if !ok {
		return nil
	}
	c.bySeq.Delete(rec.seq)
	delete(c.byID, ref.ID)
	return nil
}

func (m *MemoryStore) QueryByClass(ctx context.Context, class string, opts QueryOptions) (QueryResult, error) {
	if err := validateClass(class); err != nil {
		return QueryResult{}, err
	}
	if err := validateFilter(opts.Filter); err != nil {
		return QueryResult{}, err
	}
	after, err := decodePageToken(opts.PageToken)
	if err != nil {
		return QueryResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return QueryResult{}, gwerr.FromContext("record query", err)
	}
	limit := normalizeLimit(opts.Limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	c := m.class(class, false)
	if c == nil {
		return QueryResult{Items: []models.Record{}}, nil
	}

	items := make([]models.Record, 0, limit)
	var lastSeq int64
	more := false
	c.bySeq.Ascend(after+1, func(seq int64, rec *memoryRecord) bool {
		if !matchesFilter(rec.props, opts.Filter) {
			return true
		}
		if len(items) == limit {
			more = true
			return false
		}
		items = append(items, rec.toRecord(class))
		lastSeq = seq
		return true
	})

	result := QueryResult{Items: items}
	if more {
		result.NextPageToken = encodePageToken(lastSeq)
	}
	return result, nil
}

func (m *MemoryStore) QueryByProperty(ctx context.Context, class, key, value string) ([]models.Record, error) {
	if err := validateClass(class); err != nil {
		return nil, err
	}
	if err := validatePropertyKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, gwerr.FromContext("record query", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c := m.class(class, false)
	out := []models.Record{}
	if c == nil {
		return out, nil
	}
	filter := Filter{key: value}
	c.bySeq.Scan(func(_ int64, rec *memoryRecord) bool {
		if matchesFilter(rec.props, filter) {
			out = append(out, rec.toRecord(class))
		}
		return len(out) < maxPropertyMatches
	})
	return out, nil
}

var _ RecordStore = (*MemoryStore)(nil)
