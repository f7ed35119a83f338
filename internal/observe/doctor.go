package observe

import (
	"fmt"

	"taskloom/internal/model"
	"taskloom/internal/store"
)

// Finding severities.
const (
	SeverityError = "ERROR"
	SeverityWarn  = "WARN"
)

// Finding is one doctor diagnosis.
type Finding struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	TaskID   string `json:"task_id,omitempty"`
}

// Doctor inspects the database schema and a plan's graph invariants.
func (r *Reporter) Doctor(planID string) ([]Finding, error) {
	var findings []Finding

	for _, table := range store.RequiredTables {
		var n int
		err := r.Store.DB().QueryRow(
			`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&n)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			findings = append(findings, Finding{
				Severity: SeverityError,
				Code:     "MISSING_TABLE",
				Message:  fmt.Sprintf("required table %s is missing; run repair-db", table),
			})
		}
	}
	if planID == "" {
		return findings, nil
	}

	plan, err := r.Store.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	tasks, err := r.Store.ListTasks(planID)
	if err != nil {
		return nil, err
	}
	edges, err := r.Store.ListEdges(planID)
	if err != nil {
		return nil, err
	}

	byID := map[string]*model.TaskNode{}
	for _, t := range tasks {
		byID[t.TaskID] = t
	}
	if plan.RootTaskID == "" || byID[plan.RootTaskID] == nil {
		findings = append(findings, Finding{
			Severity: SeverityError,
			Code:     "MISSING_ROOT",
			Message:  "plan root task does not exist",
		})
	}

	for _, e := range edges {
		for _, end := range []string{e.FromTaskID, e.ToTaskID} {
			if byID[end] == nil {
				findings = append(findings, Finding{
					Severity: SeverityError,
					Code:     "DANGLING_EDGE",
					Message:  fmt.Sprintf("edge %s references missing node %s", e.EdgeID, end),
				})
			}
		}
		if e.EdgeType == model.EdgeAlternative && e.GroupID == "" {
			findings = append(findings, Finding{
				Severity: SeverityError,
				Code:     "ALTERNATIVE_WITHOUT_GROUP",
				Message:  fmt.Sprintf("alternative edge %s has no group id", e.EdgeID),
			})
		}
	}

	for _, t := range tasks {
		if t.NodeType == model.NodeCheck && t.ReviewTargetTaskID != "" && byID[t.ReviewTargetTaskID] == nil {
			findings = append(findings, Finding{
				Severity: SeverityError,
				Code:     "CHECK_TARGET_MISSING",
				Message:  fmt.Sprintf("check %s reviews a task that does not exist", t.TaskID),
				TaskID:   t.TaskID,
			})
		}
		if t.NodeType == model.NodeCheck && t.ReviewTargetTaskID == "" && !t.Status.Terminal() {
			findings = append(findings, Finding{
				Severity: SeverityWarn,
				Code:     "CHECK_UNBOUND",
				Message:  fmt.Sprintf("check %s has no review target", t.TaskID),
				TaskID:   t.TaskID,
			})
		}
		if t.Status == model.StatusBlocked && t.BlockedReason == "" {
			findings = append(findings, Finding{
				Severity: SeverityWarn,
				Code:     "BLOCKED_WITHOUT_REASON",
				Message:  fmt.Sprintf("task %s is blocked with no reason", t.TaskID),
				TaskID:   t.TaskID,
			})
		}
		if t.NodeType == model.NodeAction && t.ActiveBranch && !t.Status.Terminal() &&
			t.EstimatedPersonDays <= 0 {
			findings = append(findings, Finding{
				Severity: SeverityWarn,
				Code:     "MISSING_ESTIMATE",
				Message:  fmt.Sprintf("action %s has no person-day estimate; the rewriter can fill it", t.TaskID),
				TaskID:   t.TaskID,
			})
		}
	}
	return findings, nil
}
