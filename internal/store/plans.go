package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskloom/internal/model"
	"taskloom/internal/util"
)

// ErrPlanNotFound is returned when a plan id does not exist.
var ErrPlanNotFound = errors.New("plan not found")

// UpsertPlan inserts or refreshes a plan row. Title and owner are the only
// mutable fields of an existing plan.
func (s *Store) UpsertPlan(p *model.Plan) error {
	return s.upsertPlanExec(s.db, p)
}

// UpsertPlanTx is UpsertPlan inside an existing transaction.
func (s *Store) UpsertPlanTx(tx *sql.Tx, p *model.Plan) error {
	return s.upsertPlanExec(tx, p)
}

func (s *Store) upsertPlanExec(ex execer, p *model.Plan) error {
	if p.PlanID == "" {
		p.PlanID = uuid.NewString()
	}
	if p.Priority == "" {
		p.Priority = model.PriorityMed
	}
	if p.Status == "" {
		p.Status = model.PlanStatusActive
	}
	_, err := ex.Exec(`INSERT INTO plans (plan_id, title, owner, root_task_id, deadline, priority, status, created_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(plan_id) DO UPDATE SET
			title = excluded.title,
			owner = excluded.owner,
			root_task_id = COALESCE(excluded.root_task_id, plans.root_task_id),
			deadline = excluded.deadline,
			priority = excluded.priority`,
		p.PlanID, p.Title, nullable(p.Owner), nullable(p.RootTaskID),
		nullable(p.Deadline), string(p.Priority), string(p.Status), util.NowISO(),
	)
	if err != nil {
		return fmt.Errorf("upsert plan %s: %w", p.PlanID, err)
	}
	return nil
}

// GetPlan loads one plan.
func (s *Store) GetPlan(planID string) (*model.Plan, error) {
	row := s.db.QueryRow(
		`SELECT plan_id, title, owner, root_task_id, deadline, priority, status, created_at FROM plans WHERE plan_id = ?`,
		planID,
	)
	return scanPlan(row)
}

// LatestPlan returns the most recently created plan that has not been
// superseded, or ErrPlanNotFound.
func (s *Store) LatestPlan() (*model.Plan, error) {
	row := s.db.QueryRow(
		`SELECT plan_id, title, owner, root_task_id, deadline, priority, status, created_at
		 FROM plans WHERE status != 'SUPERSEDED'
		 ORDER BY created_at DESC, plan_id DESC LIMIT 1`,
	)
	return scanPlan(row)
}

func scanPlan(row *sql.Row) (*model.Plan, error) {
	var (
		p                                   model.Plan
		owner, root, deadline, prio, status sql.NullString
		createdAt                           string
	)
	err := row.Scan(&p.PlanID, &p.Title, &owner, &root, &deadline, &prio, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	p.Owner = owner.String
	p.RootTaskID = root.String
	p.Deadline = deadline.String
	p.Priority = model.Priority(prio.String)
	p.Status = model.PlanStatus(status.String)
	if p.Status == "" {
		p.Status = model.PlanStatusActive
	}
	p.CreatedAt = util.ParseISO(createdAt)
	return &p, nil
}

// SetPlanStatus flips a plan's lifecycle state.
func (s *Store) SetPlanStatus(planID string, status model.PlanStatus) error {
	res, err := s.db.Exec(`UPDATE plans SET status = ? WHERE plan_id = ?`, string(status), planID)
	if err != nil {
		return fmt.Errorf("set plan status %s: %w", planID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return nil
}

// SetPlanRoot records the plan's root task id.
func (s *Store) SetPlanRoot(planID, rootTaskID string) error {
	_, err := s.db.Exec(`UPDATE plans SET root_task_id = ? WHERE plan_id = ?`, rootTaskID, planID)
	if err != nil {
		return fmt.Errorf("set plan root %s: %w", planID, err)
	}
	return nil
}

// DeletePlan removes a plan and, via foreign keys, its tasks and their
// dependents. Used by reset-to-plan.
func (s *Store) DeletePlan(planID string) error {
	_, err := s.db.Exec(`DELETE FROM plans WHERE plan_id = ?`, planID)
	if err != nil {
		return fmt.Errorf("delete plan %s: %w", planID, err)
	}
	return nil
}
