package store

import (
	"fmt"
	"strings"

	"taskloom/internal/logging"
	"taskloom/internal/util"
)

// migration is one idempotent schema change. Name doubles as the ledger
// key in schema_migrations, so applying twice is a no-op.
type migration struct {
	name string
	stmt string
}

// pendingMigrations is append-only. Column adds must stay tolerant of
// "duplicate column name" so operators can re-run against databases that
// predate the ledger.
var pendingMigrations = []migration{
	{
		name: "0001_task_nodes_review_output_spec.sql",
		stmt: "ALTER TABLE task_nodes ADD COLUMN review_output_spec_json TEXT",
	},
	{
		name: "0002_reviews_acceptance_results.sql",
		stmt: "ALTER TABLE reviews ADD COLUMN acceptance_results_json TEXT",
	},
	{
		name: "0003_llm_calls_truncated.sql",
		stmt: "ALTER TABLE llm_calls ADD COLUMN truncated INTEGER NOT NULL DEFAULT 0",
	},
	{
		name: "0004_input_files_removed.sql",
		stmt: "ALTER TABLE input_files ADD COLUMN removed INTEGER NOT NULL DEFAULT 0",
	},
	{
		name: "0005_plans_status.sql",
		stmt: "ALTER TABLE plans ADD COLUMN status TEXT NOT NULL DEFAULT 'ACTIVE'",
	},
}

// RunMigrations applies pending migrations, recording each in the
// schema_migrations ledger. Duplicate-column failures are logged and
// recorded as applied rather than failing the open.
func (s *Store) RunMigrations() error {
	log := logging.Get(logging.CategoryStore)
	for _, m := range pendingMigrations {
		applied, err := s.migrationApplied(m.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if _, err := s.db.Exec(m.stmt); err != nil {
			if isDuplicateColumn(err) {
				log.Warnw("migration already satisfied", "migration", m.name, "err", err.Error())
			} else {
				return fmt.Errorf("migration %s: %w", m.name, err)
			}
		} else {
			log.Infow("migration applied", "migration", m.name)
		}
		if _, err := s.db.Exec(
			"INSERT OR IGNORE INTO schema_migrations(filename, applied_at) VALUES (?, ?)",
			m.name, util.NowISO(),
		); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
	}
	return nil
}

func (s *Store) migrationApplied(name string) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(1) FROM schema_migrations WHERE filename = ?", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return n > 0, nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

// ColumnExists reports whether table has a column. Used by repair-db.
func (s *Store) ColumnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// TableExists reports whether a table is present.
func (s *Store) TableExists(table string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?", table,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
