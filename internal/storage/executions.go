package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/mpataki/foreman/internal/models"
)

func signalColumn(signal map[string]any) (*string, error) {
	if signal == nil {
		return nil, nil
	}
	data, err := json.Marshal(signal)
	if err != nil {
		return nil, err
	}
	str := string(data)
	return &str, nil
}

// NextSequenceNum returns the sequence number for the next execution of a run.
func (s *Storage) NextSequenceNum(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM executions WHERE run_id = ?`, runID,
	).Scan(&n)
	return n, err
}

func (s *Storage) CreateExecution(ctx context.Context, exec *models.Execution) (int64, error) {
	signalJSON, err := signalColumn(exec.OutputSignal)
	if err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (run_id, agent_name, phase, iteration, attempt, claude_session_id, status, exit_code, started_at, completed_at, output_signal, error, sequence_num, pid)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.RunID, exec.AgentName, exec.Phase, exec.Iteration, exec.Attempt, exec.ClaudeSessionID, exec.Status,
		exec.ExitCode, exec.StartedAt, exec.CompletedAt, signalJSON, exec.Error, exec.SequenceNum, exec.PID,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) GetExecutionsForRun(ctx context.Context, runID string) ([]*models.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, agent_name, phase, iteration, attempt, claude_session_id, status, exit_code, started_at, completed_at, output_signal, error, sequence_num, pid
		 FROM executions WHERE run_id = ? ORDER BY sequence_num`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		var exec models.Execution
		var sessionID, signalJSON, execErr sql.NullString
		var exitCode, pid sql.NullInt64
		var startedAt, completedAt sql.NullTime

		err := rows.Scan(
			&exec.ID, &exec.RunID, &exec.AgentName, &exec.Phase, &exec.Iteration, &exec.Attempt,
			&sessionID, &exec.Status, &exitCode, &startedAt, &completedAt, &signalJSON, &execErr,
			&exec.SequenceNum, &pid,
		)
		if err != nil {
			return nil, err
		}

		exec.ClaudeSessionID = sessionID.String
		exec.Error = execErr.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			exec.ExitCode = &code
		}
		exec.StartedAt = nullTime(startedAt)
		exec.CompletedAt = nullTime(completedAt)
		if signalJSON.Valid {
			var signal map[string]any
			if err := json.Unmarshal([]byte(signalJSON.String), &signal); err == nil {
				exec.OutputSignal = signal
			}
		}
		if pid.Valid {
			p := int(pid.Int64)
			exec.PID = &p
		}

		execs = append(execs, &exec)
	}

	return execs, rows.Err()
}

// GetRunningExecutionForRun returns the execution still marked running, or
// nil when there is none.
func (s *Storage) GetRunningExecutionForRun(ctx context.Context, runID string) (*models.Execution, error) {
	execs, err := s.GetExecutionsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := len(execs) - 1; i >= 0; i-- {
		if execs[i].Status == models.ExecStatusRunning {
			return execs[i], nil
		}
	}
	return nil, nil
}

func (s *Storage) UpdateExecutionPID(ctx context.Context, execID int64, pid int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE executions SET pid = ? WHERE id = ?`, pid, execID)
	return err
}

func (s *Storage) UpdateExecution(ctx context.Context, exec *models.Execution) error {
	signalJSON, err := signalColumn(exec.OutputSignal)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE executions SET claude_session_id = ?, status = ?, exit_code = ?, started_at = ?, completed_at = ?, output_signal = ?, error = ?
		 WHERE id = ?`,
		exec.ClaudeSessionID, exec.Status, exec.ExitCode, exec.StartedAt, exec.CompletedAt, signalJSON, exec.Error, exec.ID,
	)
	return err
}
