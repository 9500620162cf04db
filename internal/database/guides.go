package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TobiSchelling/AICouncil/internal/tree"
)

// CreateGuide inserts a new guide. CreatedAt/UpdatedAt are set by the store.
func (db *DB) CreateGuide(ctx context.Context, g *tree.Guide) error {
	providers, err := json.Marshal(g.Providers)
	if err != nil {
		return fmt.Errorf("encoding providers: %w", err)
	}
	ts := now()
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO guides (id, topic, stage, providers, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.Topic, string(g.Stage), string(providers), ts, ts,
	)
	if err != nil {
		return classify(fmt.Errorf("inserting guide: %w", err))
	}
	g.CreatedAt = parseTime(ts)
	g.UpdatedAt = g.CreatedAt
	return nil
}

// GetGuide returns a guide with its current root pointers and stage history.
func (db *DB) GetGuide(ctx context.Context, guideID string) (*tree.Guide, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, topic, stage, providers, created_at, updated_at
		FROM guides WHERE id = ?`, guideID,
	)
	g, err := scanGuide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("guide %s: %w", guideID, tree.ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT provider, root_id FROM trees WHERE guide_id = ? AND root_id IS NOT NULL`, guideID,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var provider, rootID string
		if err := rows.Scan(&provider, &rootID); err != nil {
			return nil, err
		}
		g.Roots[provider] = rootID
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	history, err := db.stageHistory(ctx, guideID)
	if err != nil {
		return nil, err
	}
	g.History = history
	return g, nil
}

// ListGuides returns all guides, newest first. Roots and history are not loaded.
func (db *DB) ListGuides(ctx context.Context) ([]tree.Guide, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, topic, stage, providers, created_at, updated_at
		FROM guides ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var guides []tree.Guide
	for rows.Next() {
		g, err := scanGuide(rows)
		if err != nil {
			return nil, err
		}
		guides = append(guides, *g)
	}
	return guides, classify(rows.Err())
}

// AdvanceStage moves a guide between stages with compare-and-swap semantics
// and records the change in the stage history.
func (db *DB) AdvanceStage(ctx context.Context, guideID string, from, to tree.Stage) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		res, err := tx.ExecContext(ctx,
			"UPDATE guides SET stage = ?, updated_at = ? WHERE id = ? AND stage = ?",
			string(to), ts, guideID, string(from),
		)
		if err != nil {
			return fmt.Errorf("updating stage: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var stage string
			err := tx.QueryRowContext(ctx, "SELECT stage FROM guides WHERE id = ?", guideID).Scan(&stage)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("guide %s: %w", guideID, tree.ErrNotFound)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("guide %s is in stage %s, not %s: %w", guideID, stage, from, tree.ErrConflict)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO stage_history (guide_id, from_stage, to_stage, changed_at)
			VALUES (?, ?, ?, ?)`,
			guideID, string(from), string(to), ts,
		)
		if err != nil {
			return fmt.Errorf("recording stage change: %w", err)
		}
		return nil
	})
}

func (db *DB) stageHistory(ctx context.Context, guideID string) ([]tree.StageChange, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT from_stage, to_stage, changed_at FROM stage_history
		WHERE guide_id = ? ORDER BY id`, guideID,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var history []tree.StageChange
	for rows.Next() {
		var from, to, at string
		if err := rows.Scan(&from, &to, &at); err != nil {
			return nil, err
		}
		history = append(history, tree.StageChange{
			From: tree.Stage(from),
			To:   tree.Stage(to),
			At:   parseTime(at),
		})
	}
	return history, classify(rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGuide(s scanner) (*tree.Guide, error) {
	var g tree.Guide
	var stage, providers, createdAt, updatedAt string
	if err := s.Scan(&g.ID, &g.Topic, &stage, &providers, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	g.Stage = tree.Stage(stage)
	if err := json.Unmarshal([]byte(providers), &g.Providers); err != nil {
		return nil, fmt.Errorf("decoding providers of guide %s: %w", g.ID, err)
	}
	g.Roots = make(map[string]string)
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)
	return &g, nil
}
