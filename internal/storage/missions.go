package storage

import (
	"context"
	"encoding/json"

	"github.com/mpataki/foreman/internal/errors"
	"github.com/mpataki/foreman/internal/models"
)

// Missions are stored as one JSON document each; the status column exists
// for listing without decoding.

func (s *Storage) SaveMission(ctx context.Context, m *models.Mission) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO missions (id, status, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, doc = excluded.doc, updated_at = excluded.updated_at`,
		m.ID, m.Status, string(doc), m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func (s *Storage) GetMission(ctx context.Context, id string) (*models.Mission, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM missions WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		return nil, notFound(err, "mission", id)
	}
	return decodeMission(id, doc)
}

func (s *Storage) ListMissions(ctx context.Context) ([]*models.Mission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, doc FROM missions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var missions []*models.Mission
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		m, err := decodeMission(id, doc)
		if err != nil {
			return nil, err
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

func decodeMission(id, doc string) (*models.Mission, error) {
	var m models.Mission
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "mission %s: corrupt document", id)
	}
	return &m, nil
}
