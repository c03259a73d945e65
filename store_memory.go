package chartsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a goroutine-safe in-memory Store. It does not survive
// restarts and is meant for tests and ephemeral sessions.
type MemoryStore struct {
	mu      sync.RWMutex
	schemas map[string]CollectionSchema
	data    map[string]map[string]Record
	locks   collectionLocks
	now     func() time.Time
}

// NewMemoryStore creates an in-memory store with the given collections.
func NewMemoryStore(collections ...CollectionSchema) *MemoryStore {
	s := &MemoryStore{
		schemas: make(map[string]CollectionSchema),
		data:    make(map[string]map[string]Record),
		now:     time.Now,
	}
	for _, c := range collections {
		s.schemas[c.Name] = c
	}
	return s
}

// Init creates any missing collection. Existing data is kept.
func (s *MemoryStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.schemas {
		if _, ok := s.data[name]; !ok {
			s.data[name] = make(map[string]Record)
		}
	}
	return nil
}

func (s *MemoryStore) collection(name string) (map[string]Record, error) {
	coll, ok := s.data[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return coll, nil
}

func (s *MemoryStore) Put(ctx context.Context, collection string, rec Record) (Record, error) {
	if err := validateRecord(collection, rec); err != nil {
		return Record{}, err
	}
	unlock := s.locks.lock(collection)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	coll, err := s.collection(collection)
	if err != nil {
		return Record{}, err
	}
	rec = cloneRecord(rec)
	rec.UpdatedAt = s.now().UTC()
	coll[rec.Key] = rec
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Get(ctx context.Context, collection, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	rec, ok := coll[key]
	if !ok {
		return nil, nil
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (s *MemoryStore) GetAll(ctx context.Context, collection string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(coll))
	for _, rec := range coll {
		out = append(out, cloneRecord(rec))
	}
	sortRecords(out)
	return out, nil
}

// GetByIndex computes index values on read; they are derived from the
// stored payload, so they can never drift from it.
func (s *MemoryStore) GetByIndex(ctx context.Context, collection, index, value string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	schema := s.schemas[collection]
	if _, ok := schema.index(index); !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, collection, index)
	}
	var out []Record
	for _, rec := range coll {
		values, err := indexValues(schema, rec)
		if err != nil {
			return nil, err
		}
		if v, ok := values[index]; ok && v == value {
			out = append(out, cloneRecord(rec))
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, key string) error {
	unlock := s.locks.lock(collection)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, err := s.collection(collection)
	if err != nil {
		return err
	}
	delete(coll, key)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, collection string) error {
	unlock := s.locks.lock(collection)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.collection(collection); err != nil {
		return err
	}
	s.data[collection] = make(map[string]Record)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
