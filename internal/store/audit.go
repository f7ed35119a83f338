package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"taskloom/internal/logging"
	"taskloom/internal/util"
)

// AuditEntry is one best-effort audit row. Audit writes never fail the
// caller; a failed insert is logged and dropped.
type AuditEntry struct {
	Category     string
	Action       string
	Message      string
	TopTaskHash  string
	TopTaskTitle string
	PlanID       string
	TaskID       string
	LLMCallID    string
	JobID        string
	StatusBefore string
	StatusAfter  string
	OK           bool
	PayloadJSON  string
}

// Audit writes an audit row and returns its id, or "UNKNOWN" on failure.
func (s *Store) Audit(e AuditEntry) string {
	auditID := uuid.NewString()
	if (e.TopTaskHash == "" || e.TopTaskTitle == "") && e.PlanID != "" {
		if p, err := s.GetPlan(e.PlanID); err == nil && p.Title != "" {
			if e.TopTaskHash == "" {
				e.TopTaskHash = util.SHA256Hex([]byte(p.Title))
			}
			if e.TopTaskTitle == "" {
				e.TopTaskTitle = util.Truncate(p.Title, 200)
			}
		}
	}
	if e.Category == "" {
		e.Category = "UNKNOWN"
	}
	if e.Action == "" {
		e.Action = "UNKNOWN"
	}
	_, err := s.db.Exec(`INSERT INTO audit_events
		(audit_id, created_at, category, action, top_task_hash, top_task_title,
		 plan_id, task_id, llm_call_id, job_id, status_before, status_after,
		 ok, message, payload_json)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		auditID, util.NowISO(), e.Category, e.Action,
		nullable(e.TopTaskHash), nullable(e.TopTaskTitle),
		nullable(e.PlanID), nullable(e.TaskID), nullable(e.LLMCallID), nullable(e.JobID),
		nullable(e.StatusBefore), nullable(e.StatusAfter),
		boolToInt(e.OK), nullable(util.Truncate(e.Message, 500)), nullable(e.PayloadJSON),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Warnw("audit insert failed", "err", err.Error())
		return "UNKNOWN"
	}
	return auditID
}

// AuditQuery filters audit rows.
type AuditQuery struct {
	PlanID   string
	Category string
	JobID    string
	Limit    int
}

// AuditRow is one persisted audit event.
type AuditRow struct {
	AuditID      string
	CreatedAt    string
	Category     string
	Action       string
	PlanID       string
	TaskID       string
	StatusBefore string
	StatusAfter  string
	OK           bool
	Message      string
	PayloadJSON  string
}

// QueryAudit returns matching audit rows, newest first.
func (s *Store) QueryAudit(q AuditQuery) ([]*AuditRow, error) {
	where := "1=1"
	args := []any{}
	if q.PlanID != "" {
		where += " AND plan_id = ?"
		args = append(args, q.PlanID)
	}
	if q.Category != "" {
		where += " AND category = ?"
		args = append(args, q.Category)
	}
	if q.JobID != "" {
		where += " AND job_id = ?"
		args = append(args, q.JobID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 300
	}
	if limit > 2000 {
		limit = 2000
	}
	args = append(args, limit)
	rows, err := s.db.Query(`SELECT audit_id, created_at, category, action, plan_id, task_id,
		status_before, status_after, ok, message, payload_json
		FROM audit_events WHERE `+where+` ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	var out []*AuditRow
	for rows.Next() {
		var (
			r                                         AuditRow
			planID, taskID, before, after, msg, pj    sql.NullString
			ok                                        int
		)
		if err := rows.Scan(&r.AuditID, &r.CreatedAt, &r.Category, &r.Action,
			&planID, &taskID, &before, &after, &ok, &msg, &pj); err != nil {
			return nil, err
		}
		r.PlanID = planID.String
		r.TaskID = taskID.String
		r.StatusBefore = before.String
		r.StatusAfter = after.String
		r.OK = ok != 0
		r.Message = msg.String
		r.PayloadJSON = pj.String
		out = append(out, &r)
	}
	return out, rows.Err()
}
