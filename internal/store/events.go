package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"taskloom/internal/model"
	"taskloom/internal/util"
)

// AppendEvent writes one append-only task event row.
func (s *Store) AppendEvent(e *model.Event) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	_, err := s.db.Exec(`INSERT INTO task_events (event_id, task_id, plan_id, event_type, payload_json, created_at)
		VALUES (?,?,?,?,?,?)`,
		e.EventID, nullable(e.TaskID), nullable(e.PlanID), e.EventType,
		marshalOrNil(nilIfEmptyMap(e.Payload)), util.NowISO(),
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.EventType, err)
	}
	return nil
}

// RecordError appends an ERROR event with the taxonomy payload shape
// {error_code, message, context}.
func (s *Store) RecordError(taskID, planID string, code model.ErrorCode, message string, context map[string]any) error {
	if context == nil {
		context = map[string]any{}
	}
	if err := s.IncrementErrorCounter(taskID, code); err != nil {
		return err
	}
	return s.AppendEvent(&model.Event{
		TaskID:    taskID,
		PlanID:    planID,
		EventType: model.EventError,
		Payload: map[string]any{
			"error_code": string(code),
			"message":    message,
			"context":    context,
		},
	})
}

// ListEvents returns events for a plan, newest first, bounded by limit.
func (s *Store) ListEvents(planID string, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`SELECT event_id, task_id, plan_id, event_type, payload_json, created_at
		FROM task_events WHERE plan_id = ? ORDER BY created_at DESC, event_id DESC LIMIT ?`,
		planID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListTaskEvents returns events for one task, newest first.
func (s *Store) ListTaskEvents(taskID string, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT event_id, task_id, plan_id, event_type, payload_json, created_at
		FROM task_events WHERE task_id = ? ORDER BY created_at DESC, event_id DESC LIMIT ?`,
		taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListErrorEvents returns ERROR events for a plan, newest first.
func (s *Store) ListErrorEvents(planID string, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT event_id, task_id, plan_id, event_type, payload_json, created_at
		FROM task_events WHERE plan_id = ? AND event_type = 'ERROR'
		ORDER BY created_at DESC, event_id DESC LIMIT ?`,
		planID, limit)
	if err != nil {
		return nil, fmt.Errorf("list error events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*model.Event, error) {
	var out []*model.Event
	for rows.Next() {
		var (
			e               model.Event
			taskID, planID  sql.NullString
			payload         sql.NullString
			createdAt       string
		)
		if err := rows.Scan(&e.EventID, &taskID, &planID, &e.EventType, &payload, &createdAt); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		e.PlanID = planID.String
		if payload.Valid {
			_ = json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		e.CreatedAt = util.ParseISO(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// IncrementErrorCounter bumps the per-task counter for an error code.
func (s *Store) IncrementErrorCounter(taskID string, code model.ErrorCode) error {
	if taskID == "" {
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO task_error_counters (task_id, error_code, count, updated_at)
		VALUES (?,?,1,?)
		ON CONFLICT(task_id, error_code) DO UPDATE SET count = count + 1, updated_at = excluded.updated_at`,
		taskID, string(code), util.NowISO(),
	)
	if err != nil {
		return fmt.Errorf("increment error counter %s/%s: %w", taskID, code, err)
	}
	return nil
}

// ErrorCounters returns a task's error counters keyed by code.
func (s *Store) ErrorCounters(taskID string) (map[model.ErrorCode]int, error) {
	rows, err := s.db.Query(`SELECT error_code, count FROM task_error_counters WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("error counters: %w", err)
	}
	defer rows.Close()
	out := map[model.ErrorCode]int{}
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, err
		}
		out[model.ErrorCode(code)] = n
	}
	return out, rows.Err()
}
