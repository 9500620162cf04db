package database

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// getSchemaVersion reads PRAGMA user_version.
func getSchemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// migrate applies every migration newer than the stored user_version, in order.
func migrate(conn *sql.DB, logger *zap.Logger) error {
	current, err := getSchemaVersion(conn)
	if err != nil {
		return err
	}
	if current > latestVersion() {
		return fmt.Errorf("schema version %d is newer than this binary supports (%d)", current, latestVersion())
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration",
			zap.Int("version", m.Version),
			zap.String("description", m.Description))
		if err := applyMigration(conn, m); err != nil {
			return err
		}
		applied++
	}
	if applied > 0 {
		logger.Debug("schema up to date",
			zap.Int("from", current),
			zap.Int("to", latestVersion()))
	}
	return nil
}

func applyMigration(conn *sql.DB, m Migration) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	if err := m.Up(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}

	// modernc/sqlite does not allow user_version inside the transaction. The
	// DDL is idempotent, so a crash here only re-runs the step.
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("setting version %d: %w", m.Version, err)
	}
	return nil
}
