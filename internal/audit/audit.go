// Package audit keeps a tamper-evident record of subscription activity.
//
// Every entry stores the hash of the entry before it, so any edit or
// deletion inside the chain is detected by VerifyChain.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/logger"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// Errors returned by the audit log.
var (
	ErrLogTampered = errors.New("audit log tampering detected")
	ErrClosed      = errors.New("audit log closed")
)

const (
	// DBFile is the database file name inside the audit directory.
	DBFile = "audit.db"

	// GenesisHash is the previous hash of the first entry.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

// Entry is one audit record.
type Entry struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	EventType    string    `json:"event_type"`
	Description  string    `json:"description"`
	PreviousHash string    `json:"previous_hash"`
	EntryHash    string    `json:"entry_hash"`
}

// Log is a SQLite-backed, hash-chained audit sink.
type Log struct {
	mu       sync.Mutex
	db       *sql.DB
	lastHash string
	closed   bool
	now      func() time.Time
	logger   types.Logger
}

var _ types.AuditSink = (*Log)(nil)

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger used for chain diagnostics.
func WithLogger(l types.Logger) Option {
	return func(a *Log) { a.logger = l }
}

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Log) { a.now = now }
}

// Open opens (or creates) the audit database in dir.
//
// Parameters:
//   - dir: Directory holding audit.db; created with 0700 if missing
//   - opts: Optional logger and clock
//
// Returns:
//   - *Log: Ready audit sink positioned after the last stored entry
//   - error: Directory, database or schema error
func Open(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, DBFile)+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// One writer keeps the chain linear.
	db.SetMaxOpenConns(1)

	a := &Log{db: db, lastHash: GenesisHash, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logger.OrNop(a.logger)

	if err := a.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize audit database: %w", err)
	}
	if err := a.loadLastHash(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load last audit hash: %w", err)
	}

	return a, nil
}

func (a *Log) initSchema() error {
	if _, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			description TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL UNIQUE
		)
	`); err != nil {
		return err
	}
	_, err := a.db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_log(event_type)`)

	return err
}

func (a *Log) loadLastHash() error {
	var hash string
	err := a.db.QueryRow(`SELECT entry_hash FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		a.lastHash = GenesisHash
		return nil
	}
	if err != nil {
		return err
	}
	a.lastHash = hash

	return nil
}

// Record appends an entry to the chain.
func (a *Log) Record(ctx context.Context, eventType, description string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	entry := Entry{
		Timestamp:    a.now().UTC(),
		EventType:    eventType,
		Description:  description,
		PreviousHash: a.lastHash,
	}
	entry.EntryHash = entryHash(entry)

	if _, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, event_type, description, previous_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?)
	`, entry.Timestamp.UnixNano(), entry.EventType, entry.Description, entry.PreviousHash, entry.EntryHash); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	a.lastHash = entry.EntryHash

	return nil
}

func entryHash(e Entry) string {
	data := fmt.Sprintf("%d|%s|%s|%s", e.Timestamp.UnixNano(), e.EventType, e.Description, e.PreviousHash)
	sum := sha256.Sum256([]byte(data))

	return hex.EncodeToString(sum[:])
}

// VerifyChain walks the whole log and returns the number of entries checked.
// ErrLogTampered is returned at the first broken link.
func (a *Log) VerifyChain(ctx context.Context) (int, error) {
	entries, err := a.Query(ctx, "", 0)
	if err != nil {
		return 0, err
	}

	prev := GenesisHash
	// Query returns newest first.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.PreviousHash != prev {
			a.logger.Error("audit chain break", "entry", e.ID, "expected_prev", prev, "got_prev", e.PreviousHash)
			return 0, fmt.Errorf("%w: entry %d", ErrLogTampered, e.ID)
		}
		if computed := entryHash(e); computed != e.EntryHash {
			a.logger.Error("audit hash mismatch", "entry", e.ID, "stored", e.EntryHash, "computed", computed)
			return 0, fmt.Errorf("%w: entry %d", ErrLogTampered, e.ID)
		}
		prev = e.EntryHash
	}

	return len(entries), nil
}

// Query returns entries newest first, optionally filtered by event type.
// A limit of zero returns all entries.
func (a *Log) Query(ctx context.Context, eventType string, limit int) ([]Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	query := `SELECT id, timestamp, event_type, description, previous_hash, entry_hash FROM audit_log`
	var args []any
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &e.Description, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// LastHash returns the hash of the newest entry.
func (a *Log) LastHash() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.lastHash
}

// Close closes the database.
func (a *Log) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	return a.db.Close()
}
