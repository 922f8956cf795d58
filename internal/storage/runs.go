package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/models"
)

// CreateRun inserts a new run. It fails if the id is already taken.
func (s *Storage) CreateRun(ctx context.Context, run *models.RunState) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, run.ID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return errors.Precondition("run %s already exists", run.ID)
	}
	return s.SaveRun(ctx, run)
}

// SaveRun upserts the run row and appends history and error entries that
// are not yet stored. Stored entries are never rewritten.
func (s *Storage) SaveRun(ctx context.Context, run *models.RunState) error {
	row, err := encodeRun(run)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return writeRun(ctx, tx, row)
	})
}

type runRow struct {
	run     *models.RunState
	agents  string
	waiting any
	resume  any
}

func encodeRun(run *models.RunState) (*runRow, error) {
	if err := run.Validate(); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "refusing to save run")
	}
	agents, err := json.Marshal(run.Agents)
	if err != nil {
		return nil, err
	}
	waiting, err := nullableJSON(run.Waiting)
	if err != nil {
		return nil, err
	}
	resume, err := nullableJSON(run.Resume)
	if err != nil {
		return nil, err
	}
	return &runRow{run: run, agents: string(agents), waiting: waiting, resume: resume}, nil
}

func writeRun(ctx context.Context, tx *sql.Tx, row *runRow) error {
	run := row.run
	_, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, goal, workspace_path, phase, iteration, max_iterations, agents, waiting, resume, last_event, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			workspace_path = excluded.workspace_path,
			phase = excluded.phase,
			iteration = excluded.iteration,
			max_iterations = excluded.max_iterations,
			agents = excluded.agents,
			waiting = excluded.waiting,
			resume = excluded.resume,
			last_event = excluded.last_event,
			updated_at = excluded.updated_at`,
		run.ID, run.Goal, run.WorkspacePath, run.Phase, run.Iteration, run.MaxIterations,
		row.agents, row.waiting, row.resume, run.LastEvent, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return err
	}

	n, err := countRows(ctx, tx, `SELECT COUNT(*) FROM run_history WHERE run_id = ?`, run.ID)
	if err != nil {
		return err
	}
	if n > len(run.History) {
		return errors.Precondition("run %s: stored history has %d entries, update has %d", run.ID, n, len(run.History))
	}
	for i := n; i < len(run.History); i++ {
		h := run.History[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_history (run_id, seq, phase, result, created_at) VALUES (?, ?, ?, ?, ?)`,
			run.ID, i, h.Phase, h.Result, h.Timestamp,
		); err != nil {
			return err
		}
	}

	n, err = countRows(ctx, tx, `SELECT COUNT(*) FROM run_errors WHERE run_id = ?`, run.ID)
	if err != nil {
		return err
	}
	if n > len(run.Errors) {
		return errors.Precondition("run %s: stored errors have %d entries, update has %d", run.ID, n, len(run.Errors))
	}
	for i := n; i < len(run.Errors); i++ {
		e := run.Errors[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_errors (run_id, seq, phase, message, kind, attempts, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, i, e.Phase, e.Message, e.Kind, e.Attempts, e.Timestamp,
		); err != nil {
			return err
		}
	}
	return nil
}

func countRows(ctx context.Context, tx *sql.Tx, query string, args ...any) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// GetRun loads a run with its history and errors. Records that violate the
// run invariants are reported as validation errors.
func (s *Storage) GetRun(ctx context.Context, id string) (*models.RunState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, goal, workspace_path, phase, iteration, max_iterations, agents, waiting, resume, last_event, created_at, updated_at
		 FROM runs WHERE id = ?`, id,
	)

	var run models.RunState
	var agents string
	var waiting, resume sql.NullString

	err := row.Scan(
		&run.ID, &run.Goal, &run.WorkspacePath, &run.Phase, &run.Iteration, &run.MaxIterations,
		&agents, &waiting, &resume, &run.LastEvent, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "run", id)
	}

	if err := json.Unmarshal([]byte(agents), &run.Agents); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "run %s: corrupt agents column", id)
	}
	if run.Waiting, err = scanJSON[models.Waiting](waiting); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "run %s: corrupt waiting column", id)
	}
	if run.Resume, err = scanJSON[models.ResumeInput](resume); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "run %s: corrupt resume column", id)
	}

	if run.History, err = s.loadHistory(ctx, id); err != nil {
		return nil, err
	}
	if run.Errors, err = s.loadErrors(ctx, id); err != nil {
		return nil, err
	}

	if err := run.Validate(); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "corrupt run record")
	}
	return &run, nil
}

func (s *Storage) loadHistory(ctx context.Context, runID string) ([]models.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT phase, result, created_at FROM run_history WHERE run_id = ? ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.HistoryEntry
	for rows.Next() {
		var h models.HistoryEntry
		if err := rows.Scan(&h.Phase, &h.Result, &h.Timestamp); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

func (s *Storage) loadErrors(ctx context.Context, runID string) ([]models.ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT phase, message, kind, attempts, created_at FROM run_errors WHERE run_id = ? ORDER BY seq`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.ErrorRecord
	for rows.Next() {
		var e models.ErrorRecord
		if err := rows.Scan(&e.Phase, &e.Message, &e.Kind, &e.Attempts, &e.Timestamp); err != nil {
			return nil, err
		}
		recs = append(recs, e)
	}
	return recs, rows.Err()
}

// ListRuns returns runs newest first. A limit of zero or less means all.
func (s *Storage) ListRuns(ctx context.Context, limit int) ([]*models.RunState, error) {
	if limit <= 0 {
		limit = -1
	}
	ids, err := s.queryIDs(ctx, `SELECT id FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}

	runs := make([]*models.RunState, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// ListActiveRuns returns every run that has not reached completed or failed.
func (s *Storage) ListActiveRuns(ctx context.Context) ([]*models.RunState, error) {
	ids, err := s.queryIDs(ctx,
		`SELECT id FROM runs WHERE phase NOT IN (?, ?) ORDER BY created_at, id`,
		models.PhaseCompleted, models.PhaseFailed,
	)
	if err != nil {
		return nil, err
	}

	runs := make([]*models.RunState, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *Storage) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteRun removes a run and everything recorded against it.
func (s *Storage) DeleteRun(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NotFound("run", id)
		}
		for _, q := range []string{
			`DELETE FROM run_history WHERE run_id = ?`,
			`DELETE FROM run_errors WHERE run_id = ?`,
			`DELETE FROM executions WHERE run_id = ?`,
			`DELETE FROM vcrs WHERE run_id = ?`,
			`DELETE FROM crps WHERE run_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
}
