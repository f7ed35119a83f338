package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskloom/internal/logging"
	"taskloom/internal/model"
	"taskloom/internal/util"
)

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

const taskColumns = `task_id, plan_id, node_type, title, goal_statement, rationale,
	owner, priority, tags_json, status, blocked_reason, attempt_count, confidence,
	active_branch, active_artifact_id, approved_artifact_id, review_target_task_id,
	estimated_person_days, deliverable_spec_json, acceptance_criteria_json,
	review_output_spec_json, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*model.TaskNode, error) {
	var (
		n                                                        model.TaskNode
		goalStmt, rationale, blocked, activeArt, approvedArt     sql.NullString
		reviewTarget, deliverable, acceptance, reviewOutput      sql.NullString
		tagsJSON, createdAt, updatedAt                           string
		epd                                                      sql.NullFloat64
		activeBranch                                             int
	)
	err := r.Scan(
		&n.TaskID, &n.PlanID, &n.NodeType, &n.Title, &goalStmt, &rationale,
		&n.Owner, &n.Priority, &tagsJSON, &n.Status, &blocked, &n.AttemptCount, &n.Confidence,
		&activeBranch, &activeArt, &approvedArt, &reviewTarget,
		&epd, &deliverable, &acceptance, &reviewOutput, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.GoalStatement = goalStmt.String
	n.Rationale = rationale.String
	n.BlockedReason = model.BlockedReason(blocked.String)
	n.ActiveBranch = activeBranch != 0
	n.ActiveArtifactID = activeArt.String
	n.ApprovedArtifactID = approvedArt.String
	n.ReviewTargetTaskID = reviewTarget.String
	n.EstimatedPersonDays = epd.Float64
	_ = json.Unmarshal([]byte(tagsJSON), &n.Tags)
	if deliverable.Valid {
		_ = json.Unmarshal([]byte(deliverable.String), &n.DeliverableSpec)
	}
	if acceptance.Valid {
		_ = json.Unmarshal([]byte(acceptance.String), &n.AcceptanceCriteria)
	}
	if reviewOutput.Valid {
		_ = json.Unmarshal([]byte(reviewOutput.String), &n.ReviewOutputSpec)
	}
	n.CreatedAt = util.ParseISO(createdAt)
	n.UpdatedAt = util.ParseISO(updatedAt)
	return &n, nil
}

func marshalOrNil(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

// InsertTask writes a new task node. Missing ids are minted.
func (s *Store) InsertTask(n *model.TaskNode) error {
	return s.insertTaskExec(s.db, n)
}

// InsertTaskTx writes a task node inside an existing transaction.
func (s *Store) InsertTaskTx(tx *sql.Tx, n *model.TaskNode) error {
	return s.insertTaskExec(tx, n)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) insertTaskExec(ex execer, n *model.TaskNode) error {
	if n.TaskID == "" {
		n.TaskID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = model.StatusPending
	}
	if n.Owner == "" {
		n.Owner = model.OwnerExecutor
	}
	now := util.NowISO()
	tags := n.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, _ := json.Marshal(tags)
	var epd any
	if n.EstimatedPersonDays > 0 {
		epd = n.EstimatedPersonDays
	}
	_, err := ex.Exec(`INSERT INTO task_nodes (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.TaskID, n.PlanID, string(n.NodeType), n.Title,
		nullable(n.GoalStatement), nullable(n.Rationale),
		string(n.Owner), n.Priority, string(tagsJSON), string(n.Status),
		nullable(string(n.BlockedReason)), n.AttemptCount, n.Confidence,
		boolToInt(n.ActiveBranch), nullable(n.ActiveArtifactID), nullable(n.ApprovedArtifactID),
		nullable(n.ReviewTargetTaskID), epd,
		marshalOrNil(nilIfEmptyMap(n.DeliverableSpec)),
		marshalOrNil(nilIfEmptySlice(n.AcceptanceCriteria)),
		marshalOrNil(nilIfEmptyMap(n.ReviewOutputSpec)),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", n.TaskID, err)
	}
	return nil
}

func nilIfEmptyMap(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func nilIfEmptySlice(v []map[string]any) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

// GetTask loads one task node.
func (s *Store) GetTask(taskID string) (*model.TaskNode, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM task_nodes WHERE task_id = ?`, taskID)
	n, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return n, nil
}

// ListTasks returns every node of a plan ordered by creation.
func (s *Store) ListTasks(planID string) ([]*model.TaskNode, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM task_nodes WHERE plan_id = ? ORDER BY created_at, task_id`, planID)
}

// ListTasksByStatus returns plan nodes with the given status.
func (s *Store) ListTasksByStatus(planID string, status model.Status) ([]*model.TaskNode, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM task_nodes WHERE plan_id = ? AND status = ? ORDER BY priority DESC, created_at`, planID, string(status))
}

func (s *Store) queryTasks(q string, args ...any) ([]*model.TaskNode, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []*model.TaskNode
	for rows.Next() {
		n, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SetStatus updates a task's status and blocked reason, emitting a
// STATUS_CHANGED event. A no-op when the status is unchanged.
func (s *Store) SetStatus(taskID string, status model.Status, reason model.BlockedReason) error {
	cur, err := s.GetTask(taskID)
	if err != nil {
		return err
	}
	if cur.Status == status && cur.BlockedReason == reason {
		return nil
	}
	var blocked any
	if status == model.StatusBlocked && reason != "" {
		blocked = string(reason)
	}
	_, err = s.db.Exec(
		`UPDATE task_nodes SET status = ?, blocked_reason = ?, updated_at = ? WHERE task_id = ?`,
		string(status), blocked, util.NowISO(), taskID,
	)
	if err != nil {
		return fmt.Errorf("set status %s: %w", taskID, err)
	}
	logging.Get(logging.CategoryStore).Debugw("status changed",
		"task_id", taskID, "from", string(cur.Status), "to", string(status))
	return s.AppendEvent(&model.Event{
		TaskID:    taskID,
		PlanID:    cur.PlanID,
		EventType: model.EventStatusChanged,
		Payload: map[string]any{
			"from": string(cur.Status), "to": string(status),
			"blocked_reason": string(reason),
		},
	})
}

// TryLockCheck atomically claims a CHECK node: READY → IN_PROGRESS for
// exactly one caller. Returns false when the row was not in READY.
func (s *Store) TryLockCheck(taskID string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE task_nodes SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?`,
		string(model.StatusInProgress), util.NowISO(), taskID, string(model.StatusReady),
	)
	if err != nil {
		return false, fmt.Errorf("lock check %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetActiveArtifact points the task at its newest candidate artifact.
func (s *Store) SetActiveArtifact(taskID, artifactID string) error {
	return s.updateTaskField(taskID, "active_artifact_id", nullable(artifactID))
}

// SetApprovedArtifact records the review-approved artifact pointer.
func (s *Store) SetApprovedArtifact(taskID, artifactID string) error {
	return s.updateTaskField(taskID, "approved_artifact_id", nullable(artifactID))
}

// SetActiveBranch flips a node on or off the active branch.
func (s *Store) SetActiveBranch(taskID string, active bool) error {
	return s.updateTaskField(taskID, "active_branch", boolToInt(active))
}

// SetReviewTarget binds (or clears) a CHECK's target ACTION.
func (s *Store) SetReviewTarget(taskID, targetTaskID string) error {
	return s.updateTaskField(taskID, "review_target_task_id", nullable(targetTaskID))
}

// SetNodeType rewrites a node's type. Used by the split rewriter.
func (s *Store) SetNodeType(taskID string, nt model.NodeType) error {
	return s.updateTaskField(taskID, "node_type", string(nt))
}

// SetEstimatedPersonDays fills the sizing estimate.
func (s *Store) SetEstimatedPersonDays(taskID string, days float64) error {
	return s.updateTaskField(taskID, "estimated_person_days", days)
}

// SetDeliverableSpec stores the node's deliverable description.
func (s *Store) SetDeliverableSpec(taskID string, spec map[string]any) error {
	return s.updateTaskField(taskID, "deliverable_spec_json", marshalOrNil(nilIfEmptyMap(spec)))
}

// SetAcceptanceCriteria stores the node's acceptance checklist.
func (s *Store) SetAcceptanceCriteria(taskID string, criteria []map[string]any) error {
	return s.updateTaskField(taskID, "acceptance_criteria_json", marshalOrNil(nilIfEmptySlice(criteria)))
}

// IncrementAttempts bumps the attempt counter and returns the new value.
func (s *Store) IncrementAttempts(taskID string) (int, error) {
	_, err := s.db.Exec(
		`UPDATE task_nodes SET attempt_count = attempt_count + 1, updated_at = ? WHERE task_id = ?`,
		util.NowISO(), taskID,
	)
	if err != nil {
		return 0, fmt.Errorf("increment attempts %s: %w", taskID, err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT attempt_count FROM task_nodes WHERE task_id = ?`, taskID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ResetAttempts zeroes the attempt counter.
func (s *Store) ResetAttempts(taskID string) error {
	return s.updateTaskField(taskID, "attempt_count", 0)
}

func (s *Store) updateTaskField(taskID, column string, value any) error {
	res, err := s.db.Exec(
		`UPDATE task_nodes SET `+column+` = ?, updated_at = ? WHERE task_id = ?`,
		value, util.NowISO(), taskID,
	)
	if err != nil {
		return fmt.Errorf("update %s on %s: %w", column, taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return nil
}

// CheckForAction returns the CHECK node bound to an ACTION, or nil.
func (s *Store) CheckForAction(actionTaskID string) (*model.TaskNode, error) {
	tasks, err := s.queryTasks(
		`SELECT `+taskColumns+` FROM task_nodes WHERE review_target_task_id = ? AND node_type = 'CHECK'`,
		actionTaskID,
	)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// ExecutorBatch selects runnable ACTION nodes for the executor round:
// revisions first, then by priority, then fewest attempts.
func (s *Store) ExecutorBatch(planID string, limit int) ([]*model.TaskNode, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM task_nodes
		WHERE plan_id = ? AND node_type = 'ACTION' AND owner = 'executor'
		  AND active_branch = 1 AND status IN ('TO_BE_MODIFY', 'READY')
		ORDER BY CASE status WHEN 'TO_BE_MODIFY' THEN 0 ELSE 1 END,
			priority DESC, attempt_count ASC, created_at
		LIMIT ?`, planID, limit)
}

// CheckBatch selects v2 CHECK nodes whose bound ACTION has a candidate
// artifact waiting. The join key is review_target_task_id, not an edge.
func (s *Store) CheckBatch(planID string, limit int) ([]*model.TaskNode, error) {
	return s.queryTasks(`SELECT `+prefixedTaskColumns("c")+` FROM task_nodes c
		JOIN task_nodes a ON a.task_id = c.review_target_task_id
		WHERE c.plan_id = ? AND c.node_type = 'CHECK' AND c.status = 'READY'
		  AND c.active_branch = 1
		  AND a.status = 'READY_TO_CHECK' AND a.active_artifact_id IS NOT NULL
		ORDER BY c.priority DESC, c.created_at
		LIMIT ?`, planID, limit)
}

func prefixedTaskColumns(alias string) string {
	return alias + ".task_id, " + alias + ".plan_id, " + alias + ".node_type, " +
		alias + ".title, " + alias + ".goal_statement, " + alias + ".rationale, " +
		alias + ".owner, " + alias + ".priority, " + alias + ".tags_json, " +
		alias + ".status, " + alias + ".blocked_reason, " + alias + ".attempt_count, " +
		alias + ".confidence, " + alias + ".active_branch, " + alias + ".active_artifact_id, " +
		alias + ".approved_artifact_id, " + alias + ".review_target_task_id, " +
		alias + ".estimated_person_days, " + alias + ".deliverable_spec_json, " +
		alias + ".acceptance_criteria_json, " + alias + ".review_output_spec_json, " +
		alias + ".created_at, " + alias + ".updated_at"
}
