package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/models"
)

func (s *Storage) SaveCRP(ctx context.Context, crp *models.CRP) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertCRP(ctx, tx, crp)
	})
}

func insertCRP(ctx context.Context, tx *sql.Tx, crp *models.CRP) error {
	options, err := json.Marshal(crp.Options)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO crps (id, run_id, phase, question, options, fingerprint, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		crp.ID, crp.RunID, crp.Phase, crp.Question, string(options), crp.Fingerprint, crp.CreatedAt,
	)
	return err
}

// SaveVCR records the answer to a CRP. A CRP can be answered once.
func (s *Storage) SaveVCR(ctx context.Context, vcr *models.VCR) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertVCR(ctx, tx, vcr)
	})
}

func insertVCR(ctx context.Context, tx *sql.Tx, vcr *models.VCR) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO vcrs (id, run_id, crp_id, decision, rationale, notes, applies_to_future, auto, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vcr.ID, vcr.RunID, vcr.CRPID, vcr.Decision, vcr.Rationale, vcr.Notes, vcr.AppliesToFuture, vcr.Auto, vcr.CreatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return errors.Precondition("CRP %s already has a response", vcr.CRPID)
	}
	return err
}

// RaiseCRP stores a CRP together with the updated run. When vcr is not nil
// it is the automatic answer and is stored in the same transaction.
func (s *Storage) RaiseCRP(ctx context.Context, run *models.RunState, crp *models.CRP, vcr *models.VCR) error {
	row, err := encodeRun(run)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertCRP(ctx, tx, crp); err != nil {
			return err
		}
		if vcr != nil {
			if err := insertVCR(ctx, tx, vcr); err != nil {
				return err
			}
		}
		return writeRun(ctx, tx, row)
	})
}

// AnswerCRP stores a VCR together with the released run.
func (s *Storage) AnswerCRP(ctx context.Context, run *models.RunState, vcr *models.VCR) error {
	row, err := encodeRun(run)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertVCR(ctx, tx, vcr); err != nil {
			return err
		}
		return writeRun(ctx, tx, row)
	})
}

const crpColumns = `id, run_id, phase, question, options, fingerprint, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCRP(row scanner) (*models.CRP, error) {
	var crp models.CRP
	var options string
	if err := row.Scan(&crp.ID, &crp.RunID, &crp.Phase, &crp.Question, &options, &crp.Fingerprint, &crp.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(options), &crp.Options); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "CRP %s: corrupt options", crp.ID)
	}
	return &crp, nil
}

func (s *Storage) GetCRP(ctx context.Context, id string) (*models.CRP, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+crpColumns+` FROM crps WHERE id = ?`, id)
	crp, err := scanCRP(row)
	if err != nil {
		return nil, notFound(err, "CRP", id)
	}
	return crp, nil
}

func (s *Storage) ListCRPs(ctx context.Context, runID string) ([]*models.CRP, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+crpColumns+` FROM crps WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var crps []*models.CRP
	for rows.Next() {
		crp, err := scanCRP(rows)
		if err != nil {
			return nil, err
		}
		crps = append(crps, crp)
	}
	return crps, rows.Err()
}

const vcrColumns = `id, run_id, crp_id, decision, rationale, notes, applies_to_future, auto, created_at`

func scanVCR(row scanner) (*models.VCR, error) {
	var vcr models.VCR
	err := row.Scan(&vcr.ID, &vcr.RunID, &vcr.CRPID, &vcr.Decision, &vcr.Rationale, &vcr.Notes,
		&vcr.AppliesToFuture, &vcr.Auto, &vcr.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &vcr, nil
}

// GetVCRForCRP returns the answer to crpID, or nil if it is unanswered.
func (s *Storage) GetVCRForCRP(ctx context.Context, crpID string) (*models.VCR, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+vcrColumns+` FROM vcrs WHERE crp_id = ?`, crpID)
	vcr, err := scanVCR(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return vcr, err
}

func (s *Storage) ListVCRs(ctx context.Context, runID string) ([]*models.VCR, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+vcrColumns+` FROM vcrs WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vcrs []*models.VCR
	for rows.Next() {
		vcr, err := scanVCR(rows)
		if err != nil {
			return nil, err
		}
		vcrs = append(vcrs, vcr)
	}
	return vcrs, rows.Err()
}
