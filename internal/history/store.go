// Package history keeps the outcome of past test cycles in a local sqlite
// database, newest first, trimmed to a fixed number of entries.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/unkn0wn-root/sockterm/internal/domain"
	"github.com/unkn0wn-root/sockterm/internal/errdef"
)

const DefaultMaxEntries = 500

type Entry struct {
	ID          string          `json:"id"`
	RequestUUID string          `json:"requestUuid"`
	RequestName string          `json:"requestName"`
	Protocol    domain.Protocol `json:"protocol"`
	Endpoint    string          `json:"endpoint"`
	IsSuccess   bool            `json:"isSuccess"`
	Stage       domain.Stage    `json:"stage"`
	Reason      string          `json:"reason,omitempty"`
	ReturnValue json.RawMessage `json:"returnValue,omitempty"`
	CompletedAt time.Time       `json:"completedAt"`
}

// NewEntry records res for req. ReturnValue is kept as JSON; values that do
// not encode are dropped.
func NewEntry(req domain.Request, res domain.TestResult) Entry {
	e := Entry{
		ID:          uuid.NewString(),
		RequestUUID: res.RequestUUID,
		RequestName: res.RequestName,
		Protocol:    req.Protocol,
		Endpoint:    req.Endpoint,
		IsSuccess:   res.IsSuccess,
		Stage:       res.Stage,
		Reason:      res.Reason,
		CompletedAt: res.CompletedAt,
	}
	if e.RequestUUID == "" {
		e.RequestUUID = req.UUID
	}
	if e.RequestName == "" {
		e.RequestName = req.Label()
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}
	if res.ReturnValue != nil {
		if data, err := json.Marshal(res.ReturnValue); err == nil {
			e.ReturnValue = data
		}
	}
	return e
}

const schema = `
CREATE TABLE IF NOT EXISTS results (
	id           TEXT PRIMARY KEY,
	request_uuid TEXT NOT NULL,
	request_name TEXT NOT NULL,
	protocol     TEXT NOT NULL,
	endpoint     TEXT NOT NULL,
	success      INTEGER NOT NULL,
	stage        TEXT NOT NULL,
	reason       TEXT NOT NULL,
	return_value TEXT,
	completed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS results_request ON results (request_uuid, completed_at);
CREATE INDEX IF NOT EXISTS results_completed ON results (completed_at);
`

const selectColumns = `id, request_uuid, request_name, protocol, endpoint, success, stage, reason, return_value, completed_at`

type Store struct {
	db         *sql.DB
	path       string
	maxEntries int
	mu         sync.Mutex
}

// Open creates the database and its directory when missing. ":memory:" is
// accepted for a throwaway store.
func Open(path string, maxEntries int) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errdef.New(errdef.CodeHistory, "history path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errdef.Wrap(errdef.CodeFilesystem, err, "create history dir")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeHistory, err, "open history %q", path)
	}
	// one connection keeps :memory: databases alive and serialises writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errdef.Wrap(errdef.CodeHistory, err, "prepare history schema")
	}
	return &Store{db: db, path: path, maxEntries: maxEntries}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Append stores entry and drops the oldest rows beyond the entry limit.
func (s *Store) Append(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CompletedAt.IsZero() {
		entry.CompletedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdef.Wrap(errdef.CodeHistory, err, "begin history write")
	}
	defer func() { _ = tx.Rollback() }()

	var ret any
	if len(entry.ReturnValue) > 0 {
		ret = string(entry.ReturnValue)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO results (`+selectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.RequestUUID,
		entry.RequestName,
		string(entry.Protocol),
		entry.Endpoint,
		boolInt(entry.IsSuccess),
		string(entry.Stage),
		entry.Reason,
		ret,
		entry.CompletedAt.UnixNano(),
	)
	if err != nil {
		return errdef.Wrap(errdef.CodeHistory, err, "insert history entry")
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM results WHERE id NOT IN (
			SELECT id FROM results ORDER BY completed_at DESC, rowid DESC LIMIT ?
		)`,
		s.maxEntries,
	)
	if err != nil {
		return errdef.Wrap(errdef.CodeHistory, err, "trim history")
	}
	if err := tx.Commit(); err != nil {
		return errdef.Wrap(errdef.CodeHistory, err, "commit history")
	}
	return nil
}

// Record is Append for a finished cycle.
func (s *Store) Record(ctx context.Context, req domain.Request, res domain.TestResult) error {
	return s.Append(ctx, NewEntry(req, res))
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx,
		`SELECT `+selectColumns+` FROM results ORDER BY completed_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
}

// ByRequest returns entries for a request uuid or name, newest first.
func (s *Store) ByRequest(ctx context.Context, identifier string) ([]Entry, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, nil
	}
	return s.query(ctx,
		`SELECT `+selectColumns+` FROM results
		 WHERE request_uuid = ? OR request_name = ?
		 ORDER BY completed_at DESC, rowid DESC`,
		identifier, identifier,
	)
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE id = ?`, id)
	if err != nil {
		return false, errdef.Wrap(errdef.CodeHistory, err, "delete history entry")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errdef.Wrap(errdef.CodeHistory, err, "delete history entry")
	}
	return n > 0, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeHistory, err, "query history")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			protocol  string
			stage     string
			success   int
			ret       sql.NullString
			completed int64
		)
		if err := rows.Scan(
			&e.ID,
			&e.RequestUUID,
			&e.RequestName,
			&protocol,
			&e.Endpoint,
			&success,
			&stage,
			&e.Reason,
			&ret,
			&completed,
		); err != nil {
			return nil, errdef.Wrap(errdef.CodeHistory, err, "scan history")
		}
		e.Protocol = domain.Protocol(protocol)
		e.Stage = domain.Stage(stage)
		e.IsSuccess = success != 0
		if ret.Valid {
			e.ReturnValue = json.RawMessage(ret.String)
		}
		e.CompletedAt = time.Unix(0, completed)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errdef.Wrap(errdef.CodeHistory, err, "read history")
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
