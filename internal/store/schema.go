package store

import "fmt"

// initialize creates the base schema. Every statement is idempotent so a
// fresh open over an existing database is a no-op.
func (s *Store) initialize() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS plans (
			plan_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			owner TEXT,
			root_task_id TEXT,
			deadline TEXT,
			priority TEXT DEFAULT 'MED',
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_nodes (
			task_id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL REFERENCES plans(plan_id) ON DELETE CASCADE,
			node_type TEXT NOT NULL,
			title TEXT NOT NULL,
			goal_statement TEXT,
			rationale TEXT,
			owner TEXT NOT NULL DEFAULT 'executor',
			priority INTEGER NOT NULL DEFAULT 0,
			tags_json TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'PENDING',
			blocked_reason TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0.5,
			active_branch INTEGER NOT NULL DEFAULT 1,
			active_artifact_id TEXT,
			approved_artifact_id TEXT,
			review_target_task_id TEXT,
			estimated_person_days REAL,
			deliverable_spec_json TEXT,
			acceptance_criteria_json TEXT,
			review_output_spec_json TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_nodes_plan ON task_nodes(plan_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_nodes_status ON task_nodes(plan_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_task_nodes_review_target ON task_nodes(review_target_task_id)`,
		`CREATE TABLE IF NOT EXISTS task_edges (
			edge_id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL REFERENCES plans(plan_id) ON DELETE CASCADE,
			from_task_id TEXT NOT NULL,
			to_task_id TEXT NOT NULL,
			edge_type TEXT NOT NULL,
			and_or TEXT,
			group_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_edges_plan ON task_edges(plan_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_edges_from ON task_edges(from_task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_edges_to ON task_edges(to_task_id)`,
		`CREATE TABLE IF NOT EXISTS input_requirements (
			requirement_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES task_nodes(task_id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'FILE',
			required INTEGER NOT NULL DEFAULT 1,
			min_count INTEGER NOT NULL DEFAULT 1,
			allowed_types_json TEXT NOT NULL DEFAULT '[]',
			source TEXT NOT NULL DEFAULT 'ANY',
			validation_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_input_requirements_task ON input_requirements(task_id)`,
		`CREATE TABLE IF NOT EXISTS evidences (
			evidence_id TEXT PRIMARY KEY,
			requirement_id TEXT NOT NULL REFERENCES input_requirements(requirement_id) ON DELETE CASCADE,
			task_id TEXT NOT NULL,
			path TEXT NOT NULL,
			sha256 TEXT,
			source TEXT NOT NULL DEFAULT 'USER',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evidences_requirement ON evidences(requirement_id)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES task_nodes(task_id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			format TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			sha256 TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id)`,
		`CREATE TABLE IF NOT EXISTS reviews (
			review_id TEXT PRIMARY KEY,
			check_task_id TEXT,
			review_target_task_id TEXT,
			reviewed_artifact_id TEXT,
			reviewer TEXT NOT NULL DEFAULT 'reviewer',
			total_score INTEGER NOT NULL DEFAULT 0,
			verdict TEXT NOT NULL,
			breakdown_json TEXT,
			suggestions_json TEXT,
			summary TEXT,
			acceptance_results_json TEXT,
			idempotency_key TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_reviews_idempotency ON reviews(idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_reviews_check ON reviews(check_task_id)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL,
			task_id TEXT,
			approved_by TEXT,
			note TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS skill_runs (
			run_id TEXT PRIMARY KEY,
			skill_name TEXT NOT NULL,
			task_id TEXT,
			idempotency_key TEXT,
			params_json TEXT,
			inputs_json TEXT,
			output_json TEXT,
			status TEXT NOT NULL,
			error_code TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_skill_runs_idem ON skill_runs(skill_name, idempotency_key)`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id TEXT PRIMARY KEY,
			task_id TEXT,
			plan_id TEXT,
			event_type TEXT NOT NULL,
			payload_json TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_plan ON task_events(plan_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS task_error_counters (
			task_id TEXT NOT NULL,
			error_code TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (task_id, error_code)
		)`,
		`CREATE TABLE IF NOT EXISTS prompts (
			prompt_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			content TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS input_files (
			path TEXT PRIMARY KEY,
			sha256 TEXT,
			size INTEGER NOT NULL DEFAULT 0,
			mtime TEXT,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			removed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS llm_calls (
			call_id TEXT PRIMARY KEY,
			plan_id TEXT,
			task_id TEXT,
			role TEXT,
			contract TEXT,
			provider TEXT,
			prompt_sha256 TEXT,
			raw_text TEXT,
			parsed_json TEXT,
			error_code TEXT,
			truncated INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_llm_calls_plan ON llm_calls(plan_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			audit_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			category TEXT NOT NULL,
			action TEXT NOT NULL,
			top_task_hash TEXT,
			top_task_title TEXT,
			plan_id TEXT,
			task_id TEXT,
			llm_call_id TEXT,
			job_id TEXT,
			status_before TEXT,
			status_after TEXT,
			ok INTEGER NOT NULL DEFAULT 1,
			message TEXT,
			payload_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_plan ON audit_events(plan_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// RequiredTables is the schema contract checked by the doctor.
var RequiredTables = []string{
	"plans", "task_nodes", "task_edges", "input_requirements", "evidences",
	"artifacts", "reviews", "approvals", "skill_runs", "task_events",
	"task_error_counters", "prompts", "input_files", "llm_calls",
	"audit_events", "schema_migrations",
}
