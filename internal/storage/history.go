// Package storage records completed verification runs so past scores for a
// workspace can be reviewed. Recording a run is strictly opt-in and only
// ever happens for runs that completed; a failed run has no score to store.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/speccheck/speccheck/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	workspace   TEXT NOT NULL,
	contract_id TEXT NOT NULL,
	score       REAL NOT NULL,
	compliant   INTEGER NOT NULL,
	mode        TEXT NOT NULL,
	result_json TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace, created_at DESC);
`

// Run is one recorded verification run.
type Run struct {
	ID         string
	Workspace  string
	ContractID string
	Score      float64
	Compliant  bool
	Mode       types.VerificationMode
	Result     *types.VerificationResult
	CreatedAt  time.Time
}

// HistoryStore persists runs in a local SQLite database.
type HistoryStore struct {
	db *sql.DB
}

// Open creates or opens the history database at path. Parent directories
// are created as needed.
func Open(ctx context.Context, path string) (*HistoryStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Record stores one completed run and returns its id.
func (s *HistoryStore) Record(ctx context.Context, workspace string, result *types.VerificationResult) (string, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workspace, contract_id, score, compliant, mode, result_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, workspace, result.ContractID, result.ComplianceScore,
		boolToInt(result.Compliant), string(result.Mode), string(payload),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("record run: %w", err)
	}
	return id, nil
}

// Recent returns up to limit runs for a workspace, newest first.
func (s *HistoryStore) Recent(ctx context.Context, workspace string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace, contract_id, score, compliant, mode, result_json, created_at
		 FROM runs WHERE workspace = ? ORDER BY created_at DESC LIMIT ?`,
		workspace, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r         Run
			compliant int
			mode      string
			payload   string
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.Workspace, &r.ContractID, &r.Score,
			&compliant, &mode, &payload, &createdAt); err != nil {
			return nil, err
		}
		r.Compliant = compliant != 0
		r.Mode = types.VerificationMode(mode)
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			r.CreatedAt = t
		}
		var result types.VerificationResult
		if err := json.Unmarshal([]byte(payload), &result); err == nil {
			r.Result = &result
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close releases the database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
