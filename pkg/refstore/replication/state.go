package replication

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/tendant/simple-refstore/pkg/refstore"

	_ "modernc.org/sqlite"
)

// StateStore persists the watermark of each replicator. Load returns the
// zero watermark for a replicator with no saved state.
type StateStore interface {
	Load(ctx context.Context, name string) (refstore.Watermark, error)
	Save(ctx context.Context, name string, w refstore.Watermark) error
}

// MemoryStateStore keeps watermarks in memory
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]refstore.Watermark
}

// NewMemoryStateStore creates an empty in-memory state store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]refstore.Watermark)}
}

func (s *MemoryStateStore) Load(ctx context.Context, name string) (refstore.Watermark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[name], nil
}

func (s *MemoryStateStore) Save(ctx context.Context, name string, w refstore.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = w
	return nil
}

type stateFile struct {
	Bucket    string    `json:"bucket,omitempty"`
	Event     string    `json:"event,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileStateStore keeps one JSON file per replicator in a directory. The
// directory is locked for the lifetime of the store so two processes never
// replicate with the same state.
type FileStateStore struct {
	dir  string
	lock *flock.Flock
}

// NewFileStateStore opens dir, creating it when needed, and locks it
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory %s: %w", dir, err)
	}
	lock := flock.New(filepath.Join(dir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("flock %s: %w", lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("replication state %s is in use by another process (locking file %s)", dir, lock.Path())
	}
	return &FileStateStore{dir: dir, lock: lock}, nil
}

func (s *FileStateStore) path(name string) string {
	return filepath.Join(s.dir, strings.ReplaceAll(name, string(filepath.Separator), "_")+".json")
}

func (s *FileStateStore) Load(ctx context.Context, name string) (refstore.Watermark, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return refstore.Watermark{}, nil
	}
	if err != nil {
		return refstore.Watermark{}, fmt.Errorf("reading replication state: %w", err)
	}
	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return refstore.Watermark{}, fmt.Errorf("decoding replication state %s: %w", s.path(name), err)
	}
	return parseWatermark(st.Bucket, st.Event)
}

func (s *FileStateStore) Save(ctx context.Context, name string, w refstore.Watermark) error {
	st := stateFile{UpdatedAt: time.Now().UTC()}
	if !w.IsZero() {
		st.Bucket = w.Bucket
		st.Event = w.Event.String()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(s.path(name), strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("writing replication state: %w", err)
	}
	return nil
}

// Close releases the directory lock
func (s *FileStateStore) Close() error {
	return s.lock.Unlock()
}

func parseWatermark(bucket, event string) (refstore.Watermark, error) {
	if bucket == "" && event == "" {
		return refstore.Watermark{}, nil
	}
	id, err := uuid.Parse(event)
	if err != nil {
		return refstore.Watermark{}, fmt.Errorf("invalid event id %q in replication state: %w", event, err)
	}
	return refstore.Watermark{Bucket: bucket, Event: id}, nil
}

const sqliteBusyTimeoutMS = 5000

// SQLiteStateStore keeps watermarks in a SQLite database
type SQLiteStateStore struct {
	db *sql.DB
}

// OpenSQLiteStateStore opens or creates the database at path
func OpenSQLiteStateStore(path string) (*SQLiteStateStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		fmt.Sprintf("PRAGMA busy_timeout = %d;", sqliteBusyTimeoutMS),
		`CREATE TABLE IF NOT EXISTS replicator_state (
			name       TEXT PRIMARY KEY,
			bucket     TEXT NOT NULL,
			event      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initializing replication state database: %w", err)
		}
	}
	return &SQLiteStateStore{db: db}, nil
}

func (s *SQLiteStateStore) Load(ctx context.Context, name string) (refstore.Watermark, error) {
	var bucket, event string
	err := s.db.QueryRowContext(ctx, `SELECT bucket, event FROM replicator_state WHERE name = ?`, name).Scan(&bucket, &event)
	if errors.Is(err, sql.ErrNoRows) {
		return refstore.Watermark{}, nil
	}
	if err != nil {
		return refstore.Watermark{}, fmt.Errorf("loading replication state: %w", err)
	}
	return parseWatermark(bucket, event)
}

func (s *SQLiteStateStore) Save(ctx context.Context, name string, w refstore.Watermark) error {
	var bucket, event string
	if !w.IsZero() {
		bucket, event = w.Bucket, w.Event.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replicator_state (name, bucket, event, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET bucket = excluded.bucket, event = excluded.event, updated_at = excluded.updated_at`,
		name, bucket, event, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving replication state: %w", err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteStateStore) Close() error {
	return s.db.Close()
}
