package chartsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema version tracking:
// 1 - records, record_index_entries and the collection catalog
// 2 - index on records(collection, synced) for unsynced scans
const currentSchemaVersion = 2

const baseSchema = `
CREATE TABLE IF NOT EXISTS collections (
	name TEXT PRIMARY KEY,
	created_at_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS collection_indexes (
	collection TEXT NOT NULL,
	name TEXT NOT NULL,
	field TEXT NOT NULL,
	PRIMARY KEY (collection, name)
);

CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	key TEXT NOT NULL,
	payload TEXT NOT NULL,
	synced INTEGER NOT NULL DEFAULT 0,
	updated_at_ns INTEGER NOT NULL,
	PRIMARY KEY (collection, key)
);

CREATE TABLE IF NOT EXISTS record_index_entries (
	collection TEXT NOT NULL,
	index_name TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (collection, index_name, key)
);

CREATE INDEX IF NOT EXISTS idx_record_index_lookup
	ON record_index_entries(collection, index_name, value);
`

// SQLiteStore is the durable Store backed by a SQLite file in WAL mode.
// Schema upgrades are additive: tables and indexes are only ever created,
// never dropped.
type SQLiteStore struct {
	path    string
	logger  *slog.Logger
	schemas map[string]CollectionSchema
	locks   collectionLocks
	now     func() time.Time

	mu      sync.RWMutex
	db      *sql.DB
	ready   bool
	initErr error
}

// NewSQLiteStore prepares a store at path. Nothing is opened until Init.
func NewSQLiteStore(path string, logger *slog.Logger, collections ...CollectionSchema) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{
		path:    path,
		logger:  logger,
		schemas: make(map[string]CollectionSchema),
		now:     time.Now,
	}
	for _, c := range collections {
		s.schemas[c.Name] = c
	}
	return s
}

// Init opens the database, applies pragmas and migrations and registers
// every collection. It is idempotent. If the database cannot be opened the
// error wraps ErrStoreUnavailable and the store stays unavailable.
func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return s.registerCollections(ctx)
	}

	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return s.failInit(fmt.Errorf("open database: %w", err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return s.failInit(fmt.Errorf("connect to database: %w", err))
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return s.failInit(err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return s.failInit(err)
	}
	s.db = db
	s.ready = true
	s.initErr = nil
	if err := s.registerCollections(ctx); err != nil {
		return err
	}
	s.logger.Debug("local store ready", "path", s.path, "collections", len(s.schemas))
	return nil
}

func (s *SQLiteStore) failInit(err error) error {
	s.initErr = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	s.logger.Warn("local store unavailable; continuing remote-only", "path", s.path, "error", err)
	return s.initErr
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, baseSchema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 2 {
		if _, err := db.ExecContext(ctx,
			`CREATE INDEX IF NOT EXISTS idx_records_synced ON records(collection, synced)`); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	if version < currentSchemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// registerCollections adds missing collections and indexes. A new index on
// an existing collection is backfilled from the stored payloads.
func (s *SQLiteStore) registerCollections(ctx context.Context) error {
	for _, schema := range s.schemas {
		if err := s.registerCollection(ctx, schema); err != nil {
			return fmt.Errorf("register collection %s: %w", schema.Name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) registerCollection(ctx context.Context, schema CollectionSchema) error {
	unlock := s.locks.lock(schema.Name)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO collections (name, created_at_ns) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		schema.Name, s.now().UnixNano()); err != nil {
		return err
	}

	for _, idx := range schema.Indexes {
		var field string
		err := tx.QueryRowContext(ctx,
			`SELECT field FROM collection_indexes WHERE collection = ? AND name = ?`,
			schema.Name, idx.Name).Scan(&field)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO collection_indexes (collection, name, field) VALUES (?, ?, ?)`,
				schema.Name, idx.Name, idx.Field); err != nil {
				return err
			}
		case err != nil:
			return err
		case field == idx.Field:
			continue
		default:
			if _, err := tx.ExecContext(ctx,
				`UPDATE collection_indexes SET field = ? WHERE collection = ? AND name = ?`,
				idx.Field, schema.Name, idx.Name); err != nil {
				return err
			}
		}
		if err := backfillIndex(ctx, tx, schema, idx); err != nil {
			return err
		}
		s.logger.Debug("index built", "collection", schema.Name, "index", idx.Name)
	}
	return tx.Commit()
}

func backfillIndex(ctx context.Context, tx *sql.Tx, schema CollectionSchema, idx IndexSpec) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_index_entries WHERE collection = ? AND index_name = ?`,
		schema.Name, idx.Name); err != nil {
		return err
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT key, payload, synced FROM records WHERE collection = ?`, schema.Name)
	if err != nil {
		return err
	}
	var recs []Record
	for rows.Next() {
		var (
			rec     Record
			payload string
			synced  int
		)
		if err := rows.Scan(&rec.Key, &payload, &synced); err != nil {
			rows.Close()
			return err
		}
		rec.Data = []byte(payload)
		rec.Synced = synced != 0
		recs = append(recs, rec)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	single := CollectionSchema{Name: schema.Name, Indexes: []IndexSpec{idx}}
	for _, rec := range recs {
		if err := writeIndexEntries(ctx, tx, single, rec); err != nil {
			return err
		}
	}
	return nil
}

func writeIndexEntries(ctx context.Context, tx *sql.Tx, schema CollectionSchema, rec Record) error {
	values, err := indexValues(schema, rec)
	if err != nil {
		return err
	}
	for name, value := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_index_entries (collection, index_name, key, value) VALUES (?, ?, ?, ?)
			 ON CONFLICT(collection, index_name, key) DO UPDATE SET value = excluded.value`,
			schema.Name, name, rec.Key, value); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.ready = false
	return err
}

func (s *SQLiteStore) handle(collection string) (*sql.DB, CollectionSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return nil, CollectionSchema{}, ErrStoreUnavailable
	}
	schema, ok := s.schemas[collection]
	if !ok {
		return nil, CollectionSchema{}, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return s.db, schema, nil
}

func (s *SQLiteStore) Put(ctx context.Context, collection string, rec Record) (Record, error) {
	if err := validateRecord(collection, rec); err != nil {
		return Record{}, err
	}
	db, schema, err := s.handle(collection)
	if err != nil {
		return Record{}, err
	}
	unlock := s.locks.lock(collection)
	defer unlock()

	rec = cloneRecord(rec)
	rec.UpdatedAt = time.Unix(0, s.now().UnixNano()).UTC()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("put %s/%s: %w", collection, rec.Key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records (collection, key, payload, synced, updated_at_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET
			payload = excluded.payload,
			synced = excluded.synced,
			updated_at_ns = excluded.updated_at_ns
	`, collection, rec.Key, string(rec.Data), boolToInt(rec.Synced), rec.UpdatedAt.UnixNano()); err != nil {
		return Record{}, fmt.Errorf("put %s/%s: %w", collection, rec.Key, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM record_index_entries WHERE collection = ? AND key = ?`,
		collection, rec.Key); err != nil {
		return Record{}, fmt.Errorf("put %s/%s: %w", collection, rec.Key, err)
	}
	if err := writeIndexEntries(ctx, tx, schema, rec); err != nil {
		return Record{}, fmt.Errorf("put %s/%s: index: %w", collection, rec.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("put %s/%s: commit: %w", collection, rec.Key, err)
	}
	return cloneRecord(rec), nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, key string) (*Record, error) {
	db, _, err := s.handle(collection)
	if err != nil {
		return nil, err
	}
	var (
		payload   string
		synced    int
		updatedNs int64
	)
	err = db.QueryRowContext(ctx,
		`SELECT payload, synced, updated_at_ns FROM records WHERE collection = ? AND key = ?`,
		collection, key).Scan(&payload, &synced, &updatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return &Record{
		Key:       key,
		Data:      []byte(payload),
		Synced:    synced != 0,
		UpdatedAt: time.Unix(0, updatedNs).UTC(),
	}, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, collection string) ([]Record, error) {
	db, _, err := s.handle(collection)
	if err != nil {
		return nil, err
	}
	return queryRecords(ctx, db, `
		SELECT key, payload, synced, updated_at_ns FROM records
		WHERE collection = ? ORDER BY key
	`, collection)
}

func (s *SQLiteStore) GetByIndex(ctx context.Context, collection, index, value string) ([]Record, error) {
	db, schema, err := s.handle(collection)
	if err != nil {
		return nil, err
	}
	if _, ok := schema.index(index); !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, collection, index)
	}
	return queryRecords(ctx, db, `
		SELECT r.key, r.payload, r.synced, r.updated_at_ns
		FROM record_index_entries e
		JOIN records r ON r.collection = e.collection AND r.key = e.key
		WHERE e.collection = ? AND e.index_name = ? AND e.value = ?
		ORDER BY r.key
	`, collection, index, value)
}

func queryRecords(ctx context.Context, db *sql.DB, query string, args ...any) ([]Record, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			payload   string
			synced    int
			updatedNs int64
		)
		if err := rows.Scan(&rec.Key, &payload, &synced, &updatedNs); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Data = []byte(payload)
		rec.Synced = synced != 0
		rec.UpdatedAt = time.Unix(0, updatedNs).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, key string) error {
	db, _, err := s.handle(collection)
	if err != nil {
		return err
	}
	unlock := s.locks.lock(collection)
	defer unlock()
	return withTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE collection = ? AND key = ?`, collection, key); err != nil {
			return fmt.Errorf("delete %s/%s: %w", collection, key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM record_index_entries WHERE collection = ? AND key = ?`, collection, key); err != nil {
			return fmt.Errorf("delete %s/%s index: %w", collection, key, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Clear(ctx context.Context, collection string) error {
	db, _, err := s.handle(collection)
	if err != nil {
		return err
	}
	unlock := s.locks.lock(collection)
	defer unlock()
	return withTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, collection); err != nil {
			return fmt.Errorf("clear %s: %w", collection, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM record_index_entries WHERE collection = ?`, collection); err != nil {
			return fmt.Errorf("clear %s index: %w", collection, err)
		}
		return nil
	})
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
