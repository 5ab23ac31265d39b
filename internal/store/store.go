// Package store provides SQLite persistence for the pieces of orchestration
// state that outlive a single task graph: state snapshots used by the
// evolution engine, the archived revision record log, and evolution
// proposals. Snapshot contents are opaque blobs; the store never inspects
// them.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"overseer/internal/logging"
	"overseer/internal/revision"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// Open initializes the database at the given path, creating directories and
// schema as needed.
func Open(path string) (*Store, error) {
	logger := logging.Get(logging.CategoryStore)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("failed to set busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("failed to set journal_mode=WAL", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logger.Debug("failed to set synchronous=NORMAL", zap.Error(err))
	}

	s := &Store{db: db, path: path, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Debug("store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
CREATE TABLE IF NOT EXISTS snapshots (
	id         TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS revision_records (
	task_id    TEXT NOT NULL,
	cycle      INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	verdict    TEXT NOT NULL,
	feedback   TEXT,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (task_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_revision_task ON revision_records(task_id);

CREATE TABLE IF NOT EXISTS proposals (
	id          TEXT PRIMARY KEY,
	change_spec TEXT NOT NULL,
	snapshot_id TEXT NOT NULL,
	stage       TEXT NOT NULL,
	baseline    TEXT,
	observed    TEXT,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// -----------------------------------------------------------------------------
// Snapshots
// -----------------------------------------------------------------------------

// SnapshotInfo describes a stored snapshot without its payload.
type SnapshotInfo struct {
	ID        string
	CreatedAt time.Time
	Size      int
}

// SaveSnapshot stores an opaque state blob under a fresh id.
func (s *Store) SaveSnapshot(payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.Exec(
		"INSERT INTO snapshots (id, payload, created_at) VALUES (?, ?, ?)",
		id, payload, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to save snapshot: %w", err)
	}
	s.logger.Debug("snapshot saved", zap.String("id", id), zap.Int("bytes", len(payload)))
	return id, nil
}

// LoadSnapshot returns the payload stored under id.
func (s *Store) LoadSnapshot(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM snapshots WHERE id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return payload, nil
}

// ListSnapshots returns snapshot metadata, newest first.
func (s *Store) ListSnapshots() ([]SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT id, created_at, length(payload) FROM snapshots ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var ts int64
		if err := rows.Scan(&info.ID, &ts, &info.Size); err != nil {
			return nil, err
		}
		info.CreatedAt = time.Unix(ts, 0)
		out = append(out, info)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Revision record archive
// -----------------------------------------------------------------------------

// AppendRevisionRecord persists one reviewer verdict. Implements
// revision.Archiver. Inserting the same (task, seq) twice is a no-op,
// matching the controller's idempotency law.
func (s *Store) AppendRevisionRecord(rec revision.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO revision_records
		 (task_id, cycle, seq, verdict, feedback, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.Cycle, rec.Seq, string(rec.Verdict), rec.Feedback, rec.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("failed to append revision record: %w", err)
	}
	return nil
}

// RevisionRecords returns the archived log for a task in submission order.
func (s *Store) RevisionRecords(taskID string) ([]revision.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT task_id, cycle, seq, verdict, feedback, created_at
		 FROM revision_records WHERE task_id = ? ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query revision records: %w", err)
	}
	defer rows.Close()

	var out []revision.Record
	for rows.Next() {
		var rec revision.Record
		var verdict string
		var ts int64
		if err := rows.Scan(&rec.TaskID, &rec.Cycle, &rec.Seq, &verdict, &rec.Feedback, &ts); err != nil {
			return nil, err
		}
		rec.Verdict = revision.Verdict(verdict)
		rec.Timestamp = time.Unix(ts, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Evolution proposals
// -----------------------------------------------------------------------------

// ProposalRow is the persisted form of an evolution proposal.
type ProposalRow struct {
	ID         string
	ChangeSpec string
	SnapshotID string
	Stage      string
	Baseline   map[string]float64
	Observed   map[string]float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SaveProposal inserts or updates a proposal row.
func (s *Store) SaveProposal(p ProposalRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	baseline, err := json.Marshal(p.Baseline)
	if err != nil {
		return fmt.Errorf("failed to encode baseline: %w", err)
	}
	observed, err := json.Marshal(p.Observed)
	if err != nil {
		return fmt.Errorf("failed to encode observed: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO proposals (id, change_spec, snapshot_id, stage, baseline, observed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   stage = excluded.stage,
		   observed = excluded.observed,
		   updated_at = excluded.updated_at`,
		p.ID, p.ChangeSpec, p.SnapshotID, p.Stage,
		string(baseline), string(observed),
		p.CreatedAt.Unix(), p.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save proposal: %w", err)
	}
	return nil
}

// LoadProposal returns the proposal stored under id.
func (s *Store) LoadProposal(id string) (ProposalRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT id, change_spec, snapshot_id, stage, baseline, observed, created_at, updated_at
		 FROM proposals WHERE id = ?`, id)
	return scanProposal(row)
}

// Proposals returns all proposals, newest first.
func (s *Store) Proposals() ([]ProposalRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, change_spec, snapshot_id, stage, baseline, observed, created_at, updated_at
		 FROM proposals ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer rows.Close()

	var out []ProposalRow
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (ProposalRow, error) {
	var p ProposalRow
	var baseline, observed string
	var created, updated int64
	err := row.Scan(&p.ID, &p.ChangeSpec, &p.SnapshotID, &p.Stage, &baseline, &observed, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ProposalRow{}, ErrNotFound
	}
	if err != nil {
		return ProposalRow{}, fmt.Errorf("failed to scan proposal: %w", err)
	}
	if baseline != "" {
		if err := json.Unmarshal([]byte(baseline), &p.Baseline); err != nil {
			return ProposalRow{}, fmt.Errorf("failed to decode baseline: %w", err)
		}
	}
	if observed != "" {
		if err := json.Unmarshal([]byte(observed), &p.Observed); err != nil {
			return ProposalRow{}, fmt.Errorf("failed to decode observed: %w", err)
		}
	}
	p.CreatedAt = time.Unix(created, 0)
	p.UpdatedAt = time.Unix(updated, 0)
	return p, nil
}
