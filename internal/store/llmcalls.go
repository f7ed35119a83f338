package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"taskloom/internal/model"
	"taskloom/internal/util"
)

// InsertLLMCall records a transport round trip.
func (s *Store) InsertLLMCall(c *model.LLMCall) error {
	if c.CallID == "" {
		c.CallID = uuid.NewString()
	}
	started := util.NowISO()
	if !c.StartedAt.IsZero() {
		started = c.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	var finished any
	if !c.FinishedAt.IsZero() {
		finished = c.FinishedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	_, err := s.db.Exec(`INSERT INTO llm_calls
		(call_id, plan_id, task_id, role, contract, provider, prompt_sha256,
		 raw_text, parsed_json, error_code, truncated, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.CallID, nullable(c.PlanID), nullable(c.TaskID), nullable(string(c.Role)),
		nullable(c.Contract), nullable(c.Provider), nullable(c.PromptSHA256),
		nullable(c.RawText), nullable(c.ParsedJSON), nullable(c.ErrorCode),
		boolToInt(c.Truncated), started, finished,
	)
	if err != nil {
		return fmt.Errorf("insert llm call: %w", err)
	}
	return nil
}

// CountLLMCalls returns the number of calls recorded for a plan.
func (s *Store) CountLLMCalls(planID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM llm_calls WHERE plan_id = ?`, planID).Scan(&n)
	return n, err
}

// CountLLMCallsForTask returns the number of calls charged to a task.
func (s *Store) CountLLMCallsForTask(taskID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM llm_calls WHERE task_id = ?`, taskID).Scan(&n)
	return n, err
}

// ListLLMCalls returns a plan's calls, newest first.
func (s *Store) ListLLMCalls(planID string, limit int) ([]*model.LLMCall, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT call_id, plan_id, task_id, role, contract, provider,
		prompt_sha256, raw_text, parsed_json, error_code, truncated, started_at, finished_at
		FROM llm_calls WHERE plan_id = ? ORDER BY started_at DESC, call_id DESC LIMIT ?`,
		planID, limit)
	if err != nil {
		return nil, fmt.Errorf("list llm calls: %w", err)
	}
	defer rows.Close()
	var out []*model.LLMCall
	for rows.Next() {
		var (
			c                                                    model.LLMCall
			planID, taskID, role, contract, provider, prompt     sql.NullString
			rawText, parsed, errCode, finished                   sql.NullString
			truncated                                            int
			started                                              string
		)
		if err := rows.Scan(&c.CallID, &planID, &taskID, &role, &contract, &provider,
			&prompt, &rawText, &parsed, &errCode, &truncated, &started, &finished); err != nil {
			return nil, err
		}
		c.PlanID = planID.String
		c.TaskID = taskID.String
		c.Role = model.Owner(role.String)
		c.Contract = contract.String
		c.Provider = provider.String
		c.PromptSHA256 = prompt.String
		c.RawText = rawText.String
		c.ParsedJSON = parsed.String
		c.ErrorCode = errCode.String
		c.Truncated = truncated != 0
		c.StartedAt = util.ParseISO(started)
		c.FinishedAt = util.ParseISO(finished.String)
		out = append(out, &c)
	}
	return out, rows.Err()
}
