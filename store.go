package chartsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Store is the local durable record store. Every write is a single atomic
// transaction scoped to one collection; Put is an upsert keyed by the
// record's natural key.
type Store interface {
	Init(ctx context.Context) error
	Put(ctx context.Context, collection string, rec Record) (Record, error)
	// Get returns (nil, nil) when the key is absent.
	Get(ctx context.Context, collection, key string) (*Record, error)
	GetAll(ctx context.Context, collection string) ([]Record, error)
	GetByIndex(ctx context.Context, collection, index, value string) ([]Record, error)
	Delete(ctx context.Context, collection, key string) error
	Clear(ctx context.Context, collection string) error
	Close() error
}

// ============================================================================
// Typed helpers
// ============================================================================

// PutRecord marshals v and upserts it under key.
func PutRecord[T any](ctx context.Context, s Store, collection, key string, v T, synced bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}
	_, err = s.Put(ctx, collection, Record{Key: key, Data: data, Synced: synced})
	return err
}

// GetRecord loads and decodes a single record. It returns (nil, nil) when
// the key is absent.
func GetRecord[T any](ctx context.Context, s Store, collection, key string) (*StoredRecord[T], error) {
	rec, err := s.Get(ctx, collection, key)
	if err != nil || rec == nil {
		return nil, err
	}
	out, err := decodeRecord[T](*rec)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRecords decodes every record of a collection in key order.
func ListRecords[T any](ctx context.Context, s Store, collection string) ([]StoredRecord[T], error) {
	recs, err := s.GetAll(ctx, collection)
	if err != nil {
		return nil, err
	}
	return decodeRecords[T](recs)
}

// ListByIndex decodes every record whose index value equals value.
func ListByIndex[T any](ctx context.Context, s Store, collection, index, value string) ([]StoredRecord[T], error) {
	recs, err := s.GetByIndex(ctx, collection, index, value)
	if err != nil {
		return nil, err
	}
	return decodeRecords[T](recs)
}

func decodeRecord[T any](rec Record) (StoredRecord[T], error) {
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return StoredRecord[T]{}, fmt.Errorf("decode record %s: %w", rec.Key, err)
	}
	return StoredRecord[T]{Key: rec.Key, Data: v, Synced: rec.Synced}, nil
}

func decodeRecords[T any](recs []Record) ([]StoredRecord[T], error) {
	out := make([]StoredRecord[T], 0, len(recs))
	for _, rec := range recs {
		sr, err := decodeRecord[T](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, nil
}

// ============================================================================
// Shared store plumbing
// ============================================================================

func validateRecord(collection string, rec Record) error {
	if strings.TrimSpace(rec.Key) == "" {
		return fmt.Errorf("put %s: record key is required", collection)
	}
	if len(rec.Data) > defaultMaxPayloadBytes {
		return fmt.Errorf("put %s/%s: %w (%d bytes)", collection, rec.Key, ErrPayloadTooLarge, len(rec.Data))
	}
	if !json.Valid(rec.Data) {
		return fmt.Errorf("put %s/%s: payload is not valid JSON", collection, rec.Key)
	}
	return nil
}

// indexValues computes the denormalized index entries of rec. Missing and
// null fields produce no entry.
func indexValues(schema CollectionSchema, rec Record) (map[string]string, error) {
	out := make(map[string]string, len(schema.Indexes))
	if len(schema.Indexes) == 0 {
		return out, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rec.Data, &fields); err != nil {
		fields = nil
	}
	for _, idx := range schema.Indexes {
		if idx.Field == SyncedField {
			out[idx.Name] = strconv.FormatBool(rec.Synced)
			continue
		}
		raw, ok := fields[idx.Field]
		if !ok {
			continue
		}
		value, ok := indexScalar(raw)
		if ok {
			out[idx.Name] = value
		}
	}
	return out, nil
}

func indexScalar(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}
	if raw[0] == '{' || raw[0] == '[' {
		return "", false
	}
	return string(raw), true
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
}

func cloneRecord(rec Record) Record {
	out := rec
	out.Data = append(json.RawMessage(nil), rec.Data...)
	return out
}

// collectionLocks serializes writers per collection.
type collectionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *collectionLocks) lock(collection string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[collection]
	if !ok {
		m = &sync.Mutex{}
		l.locks[collection] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
