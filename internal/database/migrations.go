package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS guides (
    id TEXT PRIMARY KEY,
    topic TEXT NOT NULL,
    stage TEXT NOT NULL,
    providers TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trees (
    guide_id TEXT NOT NULL REFERENCES guides(id),
    provider TEXT NOT NULL,
    root_id TEXT,
    next_seq INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (guide_id, provider)
);

CREATE TABLE IF NOT EXISTS nodes (
    guide_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    parent_id TEXT,
    topic TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'initializing', 'in_progress', 'completed', 'error')),
    payload TEXT,
    error TEXT,
    depth INTEGER NOT NULL DEFAULT 0,
    child_count INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (guide_id, provider, id),
    FOREIGN KEY (guide_id, provider) REFERENCES trees(guide_id, provider)
);

CREATE TABLE IF NOT EXISTS node_children (
    guide_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    parent_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    child_id TEXT NOT NULL,
    PRIMARY KEY (guide_id, provider, parent_id, position),
    UNIQUE (guide_id, provider, child_id),
    FOREIGN KEY (guide_id, provider, parent_id) REFERENCES nodes(guide_id, provider, id),
    FOREIGN KEY (guide_id, provider, child_id) REFERENCES nodes(guide_id, provider, id)
);

CREATE TABLE IF NOT EXISTS interactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    guide_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    node_id TEXT,
    operation TEXT NOT NULL,
    topic TEXT NOT NULL,
    response TEXT,
    tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    success INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_seq ON nodes(guide_id, provider, seq);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(guide_id, provider, parent_id);
CREATE INDEX IF NOT EXISTS idx_interactions_guide ON interactions(guide_id, id);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "stage history",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS stage_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    guide_id TEXT NOT NULL REFERENCES guides(id),
    from_stage TEXT NOT NULL,
    to_stage TEXT NOT NULL,
    changed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stage_history_guide ON stage_history(guide_id, id);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
