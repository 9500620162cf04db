package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/TobiSchelling/AICouncil/internal/tree"
)

// AppendInteraction stores one interaction record and fills in its ID and
// timestamp.
func (db *DB) AppendInteraction(ctx context.Context, rec *tree.Interaction) error {
	ts := now()
	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO interactions
		(guide_id, provider, node_id, operation, topic, response, tokens, cost_usd, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.GuideID, rec.Provider, nullString(rec.NodeID), rec.Operation, rec.Topic,
		nullString(rec.Response), rec.Tokens, rec.CostUSD, rec.Success, nullString(rec.Error), ts,
	)
	if err != nil {
		return classify(fmt.Errorf("inserting interaction: %w", err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = id
	rec.CreatedAt = parseTime(ts)
	return nil
}

// ListInteractions returns a guide's interactions in append order.
func (db *DB) ListInteractions(ctx context.Context, guideID string) ([]tree.Interaction, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, guide_id, provider, node_id, operation, topic, response, tokens, cost_usd, success, error, created_at
		FROM interactions WHERE guide_id = ? ORDER BY id`, guideID,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []tree.Interaction
	for rows.Next() {
		var rec tree.Interaction
		var nodeID, response, errDetail sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.GuideID, &rec.Provider, &nodeID, &rec.Operation, &rec.Topic,
			&response, &rec.Tokens, &rec.CostUSD, &rec.Success, &errDetail, &createdAt); err != nil {
			return nil, err
		}
		rec.NodeID = nodeID.String
		rec.Response = response.String
		rec.Error = errDetail.String
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, rec)
	}
	return out, classify(rows.Err())
}
