package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TobiSchelling/AICouncil/internal/tree"
)

const nodeColumns = `id, guide_id, provider, seq, parent_id, topic, status, payload, error, depth, created_at, updated_at`

// CreateRoot creates a pending root node and points the tree at it. A root
// that ended in error is replaced; the old node stays in the table.
func (db *DB) CreateRoot(ctx context.Context, key tree.Key, topic string) (string, error) {
	var id string
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM guides WHERE id = ?", key.GuideID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("guide %s: %w", key.GuideID, tree.ErrNotFound)
		}

		var rootID sql.NullString
		var seq int64
		err = tx.QueryRowContext(ctx,
			"SELECT root_id, next_seq FROM trees WHERE guide_id = ? AND provider = ?",
			key.GuideID, key.Provider,
		).Scan(&rootID, &seq)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			seq = 1
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO trees (guide_id, provider, root_id, next_seq) VALUES (?, ?, NULL, 1)",
				key.GuideID, key.Provider,
			); err != nil {
				return fmt.Errorf("creating tree: %w", err)
			}
		case err != nil:
			return err
		}

		if rootID.Valid {
			var status string
			err := tx.QueryRowContext(ctx,
				"SELECT status FROM nodes WHERE guide_id = ? AND provider = ? AND id = ?",
				key.GuideID, key.Provider, rootID.String,
			).Scan(&status)
			if err != nil {
				return fmt.Errorf("reading root %s: %w", rootID.String, err)
			}
			if tree.Status(status) != tree.StatusError {
				return fmt.Errorf("tree %s root %s is %s: %w", key, rootID.String, status, tree.ErrLiveRoot)
			}
		}

		id = tree.NodeID(seq, true)
		if err := insertNode(ctx, tx, key, id, seq, "", topic, 0); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE trees SET root_id = ?, next_seq = next_seq + 1
			WHERE guide_id = ? AND provider = ? AND root_id IS ?`,
			id, key.GuideID, key.Provider, rootID,
		)
		if err != nil {
			return fmt.Errorf("swapping root: %w", err)
		}
		return expectOne(res, fmt.Errorf("tree %s root moved: %w", key, tree.ErrConflict))
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateChild creates a pending node under parentID. The parent must exist and
// be completed.
func (db *DB) CreateChild(ctx context.Context, key tree.Key, parentID, topic string) (string, error) {
	var id string
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		var depth int
		err := tx.QueryRowContext(ctx,
			"SELECT status, depth FROM nodes WHERE guide_id = ? AND provider = ? AND id = ?",
			key.GuideID, key.Provider, parentID,
		).Scan(&status, &depth)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("parent %s in %s: %w", parentID, key, tree.ErrParentNotFound)
		}
		if err != nil {
			return err
		}
		if err := tree.CheckParent(parentID, tree.Status(status)); err != nil {
			return err
		}

		seq, err := allocSeq(ctx, tx, key)
		if err != nil {
			return err
		}
		id = tree.NodeID(seq, false)
		return insertNode(ctx, tx, key, id, seq, parentID, topic, depth+1)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Transition performs the status compare-and-swap.
func (db *DB) Transition(ctx context.Context, key tree.Key, nodeID string, from, to tree.Status, u tree.Update) error {
	var payload sql.NullString
	if u.Payload != nil {
		data, err := json.Marshal(u.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE nodes SET status = ?, payload = COALESCE(?, payload), error = COALESCE(?, error), updated_at = ?
			WHERE guide_id = ? AND provider = ? AND id = ? AND status = ?`,
			string(to), payload, nullString(u.Error), now(),
			key.GuideID, key.Provider, nodeID, string(from),
		)
		if err != nil {
			return fmt.Errorf("updating node status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}

		var current string
		err = tx.QueryRowContext(ctx,
			"SELECT status FROM nodes WHERE guide_id = ? AND provider = ? AND id = ?",
			key.GuideID, key.Provider, nodeID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("node %s in %s: %w", nodeID, key, tree.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("node %s is %s, not %s: %w", nodeID, current, from, tree.ErrConflict)
	})
}

// AppendChild links childID at the next position of parentID's child list.
// The parent's child_count acts as the version checked by the append.
func (db *DB) AppendChild(ctx context.Context, key tree.Key, parentID, childID string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx,
			"SELECT child_count FROM nodes WHERE guide_id = ? AND provider = ? AND id = ?",
			key.GuideID, key.Provider, parentID,
		).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("parent %s in %s: %w", parentID, key, tree.ErrNotFound)
		}
		if err != nil {
			return err
		}

		var childParent sql.NullString
		err = tx.QueryRowContext(ctx,
			"SELECT parent_id FROM nodes WHERE guide_id = ? AND provider = ? AND id = ?",
			key.GuideID, key.Provider, childID,
		).Scan(&childParent)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("child %s in %s: %w", childID, key, tree.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if childParent.String != parentID {
			return fmt.Errorf("node %s is not a child of %s: %w", childID, parentID, tree.ErrNotFound)
		}

		var linked int
		err = tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM node_children WHERE guide_id = ? AND provider = ? AND child_id = ?",
			key.GuideID, key.Provider, childID,
		).Scan(&linked)
		if err != nil {
			return err
		}
		if linked > 0 {
			return nil
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE nodes SET child_count = child_count + 1, updated_at = ?
			WHERE guide_id = ? AND provider = ? AND id = ? AND child_count = ?`,
			now(), key.GuideID, key.Provider, parentID, count,
		)
		if err != nil {
			return fmt.Errorf("bumping child count: %w", err)
		}
		if err := expectOne(res, fmt.Errorf("children of %s changed: %w", parentID, tree.ErrConflict)); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO node_children (guide_id, provider, parent_id, position, child_id)
			VALUES (?, ?, ?, ?, ?)`,
			key.GuideID, key.Provider, parentID, count, childID,
		)
		if err != nil {
			return fmt.Errorf("linking child: %w", err)
		}
		return nil
	})
}

// GetNode returns one node with its linked children.
func (db *DB) GetNode(ctx context.Context, key tree.Key, nodeID string) (*tree.Node, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+nodeColumns+" FROM nodes WHERE guide_id = ? AND provider = ? AND id = ?",
		key.GuideID, key.Provider, nodeID,
	)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s in %s: %w", nodeID, key, tree.ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT child_id FROM node_children
		WHERE guide_id = ? AND provider = ? AND parent_id = ? ORDER BY position`,
		key.GuideID, key.Provider, nodeID,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, classify(rows.Err())
}

// RootID returns the tree's current root node.
func (db *DB) RootID(ctx context.Context, key tree.Key) (string, error) {
	var rootID sql.NullString
	err := db.conn.QueryRowContext(ctx,
		"SELECT root_id FROM trees WHERE guide_id = ? AND provider = ?",
		key.GuideID, key.Provider,
	).Scan(&rootID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !rootID.Valid) {
		return "", fmt.Errorf("tree %s: %w", key, tree.ErrNotFound)
	}
	if err != nil {
		return "", classify(err)
	}
	return rootID.String, nil
}

// ListNodes returns all nodes of a tree in creation order.
func (db *DB) ListNodes(ctx context.Context, key tree.Key) ([]tree.Node, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+nodeColumns+" FROM nodes WHERE guide_id = ? AND provider = ? ORDER BY seq",
		key.GuideID, key.Provider,
	)
	if err != nil {
		return nil, classify(err)
	}
	var nodes []tree.Node
	index := make(map[string]int)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[node.ID] = len(nodes)
		nodes = append(nodes, *node)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	links, err := db.conn.QueryContext(ctx,
		`SELECT parent_id, child_id FROM node_children
		WHERE guide_id = ? AND provider = ? ORDER BY parent_id, position`,
		key.GuideID, key.Provider,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer links.Close()
	for links.Next() {
		var parent, child string
		if err := links.Scan(&parent, &child); err != nil {
			return nil, err
		}
		if i, ok := index[parent]; ok {
			nodes[i].Children = append(nodes[i].Children, child)
		}
	}
	return nodes, classify(links.Err())
}

func allocSeq(ctx context.Context, tx *sql.Tx, key tree.Key) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		"SELECT next_seq FROM trees WHERE guide_id = ? AND provider = ?",
		key.GuideID, key.Provider,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("reading sequence of %s: %w", key, err)
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE trees SET next_seq = next_seq + 1 WHERE guide_id = ? AND provider = ? AND next_seq = ?",
		key.GuideID, key.Provider, seq,
	)
	if err != nil {
		return 0, fmt.Errorf("advancing sequence of %s: %w", key, err)
	}
	if err := expectOne(res, fmt.Errorf("sequence of %s moved: %w", key, tree.ErrConflict)); err != nil {
		return 0, err
	}
	return seq, nil
}

func insertNode(ctx context.Context, tx *sql.Tx, key tree.Key, id string, seq int64, parentID, topic string, depth int) error {
	ts := now()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO nodes (guide_id, provider, id, seq, parent_id, topic, status, depth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.GuideID, key.Provider, id, seq, nullString(parentID), topic,
		string(tree.StatusPending), depth, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("inserting node %s: %w", id, err)
	}
	return nil
}

func expectOne(res sql.Result, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return otherwise
	}
	return nil
}

func scanNode(s scanner) (*tree.Node, error) {
	var n tree.Node
	var parentID, payload, errDetail sql.NullString
	var status, createdAt, updatedAt string
	err := s.Scan(&n.ID, &n.GuideID, &n.Provider, &n.Seq, &parentID, &n.Topic, &status,
		&payload, &errDetail, &n.Depth, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	n.ParentID = parentID.String
	n.Status = tree.Status(status)
	if !n.Status.Valid() {
		return nil, fmt.Errorf("node %s has unknown status %q", n.ID, status)
	}
	n.Error = errDetail.String
	n.Children = []string{}
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updatedAt)
	if payload.Valid {
		n.Payload = &tree.Payload{}
		if err := json.Unmarshal([]byte(payload.String), n.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload of %s: %w", n.ID, err)
		}
	}
	return &n, nil
}
