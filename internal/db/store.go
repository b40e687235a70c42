package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/metalagman/netdiag/internal/model"
)

// Store persists cases, their append-only stage result log, and a
// timeline of events.
type Store struct {
	db *sql.DB
}

// NewStore creates a store for case persistence.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateCase inserts the case record and a case_created event.
func (s *Store) CreateCase(ctx context.Context, c *model.Case) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin create case: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO cases(case_id, created_at, issue, target, status, iteration)
		VALUES(?, ?, ?, ?, ?, ?)`,
		c.ID, c.CreatedAt.Format(time.RFC3339), c.Issue, c.Target, string(c.Status), c.Iteration); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert case: %w", err)
	}
	if err := s.insertEvent(ctx, tx, c.ID, "case_created", "case created"); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create case: %w", err)
	}
	return nil
}

// CommitStageResult appends a stage result, its tool invocations, and the
// case status update in one transaction.
func (s *Store) CommitStageResult(ctx context.Context, c *model.Case, res model.StageResult) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin commit stage result: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO stage_results(case_id, seq, stage, iteration, summary, verdict, findings_json, started_at, duration_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, res.Seq, string(res.Stage), res.Iteration, res.Summary, nullable(string(res.Verdict)),
		model.MarshalFindings(res.Findings), res.StartedAt.Format(time.RFC3339), res.Duration.Milliseconds()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert stage result: %w", err)
	}
	for _, inv := range res.Invocations {
		params, _ := json.Marshal(inv.Params)
		if _, err := tx.ExecContext(ctx, `INSERT INTO tool_invocations(invocation_id, case_id, result_seq, tool, target, params_json, status, exit_code, output, error, started_at, duration_ms)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inv.ID, c.ID, res.Seq, inv.Tool, inv.Target, string(params), string(inv.Status), inv.ExitCode,
			nullable(inv.Output), nullable(inv.Error), inv.StartedAt.Format(time.RFC3339), inv.Duration.Milliseconds()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert tool invocation: %w", err)
		}
	}
	if err := s.updateCase(ctx, tx, c); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := s.insertEvent(ctx, tx, c.ID, "stage_completed", fmt.Sprintf("%s completed (iteration %d)", res.Stage, res.Iteration)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stage result: %w", err)
	}
	return nil
}

// FinalizeCase records the terminal status and final report.
func (s *Store) FinalizeCase(ctx context.Context, c *model.Case) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin finalize case: %w", err)
	}
	if err := s.updateCase(ctx, tx, c); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := s.insertEvent(ctx, tx, c.ID, "case_finalized", string(c.Status)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize case: %w", err)
	}
	return nil
}

func (s *Store) updateCase(ctx context.Context, tx *sql.Tx, c *model.Case) error {
	var reportJSON any
	if c.Report != nil {
		data, err := json.Marshal(c.Report)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		reportJSON = string(data)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE cases SET status=?, iteration=?, best_effort=?, fail_reason=?, report_json=? WHERE case_id=?`,
		string(c.Status), c.Iteration, boolInt(c.BestEffort), nullable(c.FailReason), reportJSON, c.ID); err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	return nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, caseID, typ, message string) error {
	seq, err := s.nextSeq(ctx, tx, caseID)
	if err != nil {
		return err
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(case_id, seq, ts, type, message) VALUES(?, ?, ?, ?, ?)`,
		caseID, seq, ts, typ, message); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) nextSeq(ctx context.Context, tx *sql.Tx, caseID string) (int, error) {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE case_id=?`, caseID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read event seq: %w", err)
	}
	return seq + 1, nil
}

// CaseSummary is one row of the case listing.
type CaseSummary struct {
	ID        string
	CreatedAt string
	Issue     string
	Target    string
	Status    string
	Iteration int
}

// ListCases returns past cases, newest first.
func (s *Store) ListCases(ctx context.Context, limit int) ([]CaseSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT case_id, created_at, issue, target, status, iteration
		FROM cases ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CaseSummary
	for rows.Next() {
		var cs CaseSummary
		if err := rows.Scan(&cs.ID, &cs.CreatedAt, &cs.Issue, &cs.Target, &cs.Status, &cs.Iteration); err != nil {
			return nil, fmt.Errorf("scan case row: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// GetCaseStatus returns the status for a case id, or empty if missing.
func (s *Store) GetCaseStatus(ctx context.Context, caseID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status FROM cases WHERE case_id=?`, caseID)
	var status string
	if err := row.Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("read case status: %w", err)
	}
	return status, nil
}

// GetReport returns the stored report JSON for a case, or empty.
func (s *Store) GetReport(ctx context.Context, caseID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(report_json, '') FROM cases WHERE case_id=?`, caseID)
	var report string
	if err := row.Scan(&report); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("read case report: %w", err)
	}
	return report, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
