// Package rewrite repairs structural defects in a stored plan graph:
// missing sizing fields, ACTION nodes with no bound CHECK, and ACTION
// nodes too large to execute in one shot. Patches are planned as a dry
// run first; applying them snapshots the database and records every
// mutation as a PLAN_REWRITE event.
package rewrite

import (
	"database/sql"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"taskloom/internal/config"
	"taskloom/internal/logging"
	"taskloom/internal/model"
	"taskloom/internal/observe"
	"taskloom/internal/store"
)

// Patch types.
const (
	PatchAddMissingFields = "ADD_MISSING_V2_FIELDS"
	PatchAddCheckBinding  = "ADD_CHECK_BINDING"
	PatchSplitOversized   = "SPLIT_OVERSIZED_ACTION"
)

// Patch is one planned graph repair.
type Patch struct {
	Type         string         `json:"type"`
	TaskID       string         `json:"task_id"`
	Title        string         `json:"title"`
	ApplyAllowed bool           `json:"apply_allowed"`
	Reason       string         `json:"reason,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Rewriter plans and applies graph repairs.
type Rewriter struct {
	Store   *store.Store
	Runtime config.Runtime
	WS      config.Workspace
}

// PlanPatches computes the full dry-run patch list for a plan.
func (r *Rewriter) PlanPatches(planID string) ([]Patch, error) {
	tasks, err := r.Store.ListTasks(planID)
	if err != nil {
		return nil, err
	}
	edges, err := r.Store.ListEdges(planID)
	if err != nil {
		return nil, err
	}
	plan, err := r.Store.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	depth := decomposeDepth(plan.RootTaskID, edges)

	checked := map[string]bool{}
	for _, t := range tasks {
		if t.NodeType == model.NodeCheck && t.ReviewTargetTaskID != "" {
			checked[t.ReviewTargetTaskID] = true
		}
	}

	var patches []Patch
	for _, t := range tasks {
		if t.NodeType != model.NodeAction || !t.ActiveBranch || t.Status.Terminal() {
			continue
		}

		if t.EstimatedPersonDays <= 0 || len(t.DeliverableSpec) == 0 || len(t.AcceptanceCriteria) == 0 {
			details := map[string]any{}
			if t.EstimatedPersonDays <= 0 {
				details["estimated_person_days"] = r.Runtime.OneShotThresholdDays / 2
			}
			if len(t.DeliverableSpec) == 0 {
				details["deliverable_spec"] = defaultDeliverableSpec(t)
			}
			if len(t.AcceptanceCriteria) == 0 {
				details["acceptance_criteria"] = defaultAcceptanceCriteria(t)
			}
			patches = append(patches, Patch{
				Type: PatchAddMissingFields, TaskID: t.TaskID, Title: t.Title,
				ApplyAllowed: true, Details: details,
			})
		}

		if !checked[t.TaskID] {
			patches = append(patches, Patch{
				Type: PatchAddCheckBinding, TaskID: t.TaskID, Title: t.Title,
				ApplyAllowed: true,
			})
		}

		if t.EstimatedPersonDays > r.Runtime.OneShotThresholdDays {
			parts := int(math.Ceil(t.EstimatedPersonDays / r.Runtime.OneShotThresholdDays))
			p := Patch{
				Type: PatchSplitOversized, TaskID: t.TaskID, Title: t.Title,
				ApplyAllowed: true,
				Details: map[string]any{
					"parts":                 parts,
					"estimated_person_days": t.EstimatedPersonDays,
				},
			}
			if depth[t.TaskID] >= r.Runtime.MaxDecompositionDepth {
				p.ApplyAllowed = false
				p.Reason = fmt.Sprintf("decomposition depth %d reached the limit %d",
					depth[t.TaskID], r.Runtime.MaxDecompositionDepth)
			}
			patches = append(patches, p)
		}
	}
	return patches, nil
}

// Apply snapshots the database and applies every allowed patch.
// Returns the patches actually applied.
func (r *Rewriter) Apply(planID string, patches []Patch) ([]Patch, error) {
	log := logging.Get(logging.CategoryRewrite)
	var allowed []Patch
	for _, p := range patches {
		if p.ApplyAllowed {
			allowed = append(allowed, p)
		}
	}
	if len(allowed) == 0 {
		return nil, nil
	}

	if path, err := r.Snapshot(); err != nil {
		return nil, err
	} else if path != "" {
		log.Infow("snapshot taken", "path", path)
	}

	for _, p := range allowed {
		var err error
		switch p.Type {
		case PatchAddMissingFields:
			err = r.applyMissingFields(p)
		case PatchAddCheckBinding:
			err = r.applyCheckBinding(planID, p)
		case PatchSplitOversized:
			err = r.applySplit(planID, p)
		default:
			err = fmt.Errorf("unknown patch type: %s", p.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("apply %s on %s: %w", p.Type, p.TaskID, err)
		}
		_ = r.Store.AppendEvent(&model.Event{
			TaskID:    p.TaskID,
			PlanID:    planID,
			EventType: model.EventPlanRewrite,
			Payload:   map[string]any{"patch_type": p.Type, "details": p.Details},
		})
	}
	return allowed, nil
}

// maxRequestedDocs caps the item list in a REQUEST_EXTERNAL_INPUT
// event so the payload stays readable.
const maxRequestedDocs = 8

// Converge repeats doctor/plan/apply until the graph is structurally
// sound. Whatever the engine cannot repair on its own, stuck patches
// or hard diagnoses, turns into a request for external input instead
// of more rounds.
func (r *Rewriter) Converge(planID string) error {
	reporter := &observe.Reporter{Store: r.Store, WS: r.WS}
	for round := 0; round <= r.Runtime.MaxDecompositionDepth; round++ {
		findings, err := reporter.Doctor(planID)
		if err != nil {
			return err
		}
		blocking := blockingFindings(findings)

		patches, err := r.PlanPatches(planID)
		if err != nil {
			return err
		}
		if len(patches) == 0 {
			if len(blocking) == 0 {
				return nil
			}
			return r.requestExternalInput(planID, nil, blocking)
		}
		applied, err := r.Apply(planID, patches)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			return r.requestExternalInput(planID, patches, blocking)
		}
	}
	return nil
}

// blockingFindings keeps only the diagnoses a human must resolve;
// warnings are covered by the normal patch cycle.
func blockingFindings(findings []observe.Finding) []observe.Finding {
	var out []observe.Finding
	for _, f := range findings {
		if f.Severity == observe.SeverityError {
			out = append(out, f)
		}
	}
	return out
}

// requestExternalInput records what remains unfixable, capped to keep
// the event payload readable.
func (r *Rewriter) requestExternalInput(planID string, stuck []Patch, findings []observe.Finding) error {
	docs := []any{}
	for _, p := range stuck {
		if len(docs) >= maxRequestedDocs {
			break
		}
		docs = append(docs, map[string]any{
			"kind": "patch", "type": p.Type, "task_id": p.TaskID,
			"title": p.Title, "reason": p.Reason,
		})
	}
	for _, f := range findings {
		if len(docs) >= maxRequestedDocs {
			break
		}
		docs = append(docs, map[string]any{
			"kind": "finding", "code": f.Code, "message": f.Message, "task_id": f.TaskID,
		})
	}
	return r.Store.AppendEvent(&model.Event{
		PlanID:    planID,
		EventType: model.EventRequestExternalInput,
		Payload: map[string]any{
			"required_docs": docs,
			"hint":          "resolve the listed items manually, then run converge again",
		},
	})
}

func (r *Rewriter) applyMissingFields(p Patch) error {
	if epd, ok := p.Details["estimated_person_days"].(float64); ok {
		if err := r.Store.SetEstimatedPersonDays(p.TaskID, epd); err != nil {
			return err
		}
	}
	if spec, ok := p.Details["deliverable_spec"].(map[string]any); ok {
		if err := r.Store.SetDeliverableSpec(p.TaskID, spec); err != nil {
			return err
		}
	}
	if ac, ok := p.Details["acceptance_criteria"].([]map[string]any); ok {
		if err := r.Store.SetAcceptanceCriteria(p.TaskID, ac); err != nil {
			return err
		}
	}
	return nil
}

// applyCheckBinding adds a CHECK node bound to the action and hangs it
// off the action's DECOMPOSE parent.
func (r *Rewriter) applyCheckBinding(planID string, p Patch) error {
	action, err := r.Store.GetTask(p.TaskID)
	if err != nil {
		return err
	}
	parent, err := r.decomposeParent(planID, p.TaskID)
	if err != nil {
		return err
	}
	return r.Store.WithTx(func(tx *sql.Tx) error {
		check := &model.TaskNode{
			PlanID:             planID,
			NodeType:           model.NodeCheck,
			Title:              "Review: " + action.Title,
			Owner:              model.OwnerReviewer,
			Priority:           action.Priority,
			Tags:               []string{"autofix"},
			ActiveBranch:       true,
			ReviewTargetTaskID: action.TaskID,
		}
		if err := r.Store.InsertTaskTx(tx, check); err != nil {
			return err
		}
		return r.Store.InsertEdgeTx(tx, &model.TaskEdge{
			PlanID:     planID,
			FromTaskID: parent,
			ToTaskID:   check.TaskID,
			EdgeType:   model.EdgeDecompose,
			AndOr:      model.AndOrAnd,
		})
	})
}

// applySplit turns an oversized ACTION into a GOAL with evenly sized
// child ACTIONs, each with its own CHECK. The prior CHECK loses its
// binding; reviewing the parent no longer means anything.
func (r *Rewriter) applySplit(planID string, p Patch) error {
	action, err := r.Store.GetTask(p.TaskID)
	if err != nil {
		return err
	}
	parts := 0
	switch v := p.Details["parts"].(type) {
	case int:
		parts = v
	case float64:
		parts = int(v)
	}
	if parts < 2 {
		parts = 2
	}
	per := action.EstimatedPersonDays / float64(parts)

	prior, err := r.Store.CheckForAction(action.TaskID)
	if err != nil {
		return err
	}

	err = r.Store.WithTx(func(tx *sql.Tx) error {
		for i := 1; i <= parts; i++ {
			child := &model.TaskNode{
				PlanID:              planID,
				NodeType:            model.NodeAction,
				Title:               fmt.Sprintf("%s (part %d/%d)", action.Title, i, parts),
				GoalStatement:       action.GoalStatement,
				Owner:               model.OwnerExecutor,
				Priority:            action.Priority,
				Tags:                []string{"autofix", "split"},
				ActiveBranch:        true,
				EstimatedPersonDays: per,
				DeliverableSpec:     action.DeliverableSpec,
				AcceptanceCriteria:  action.AcceptanceCriteria,
			}
			if err := r.Store.InsertTaskTx(tx, child); err != nil {
				return err
			}
			if err := r.Store.InsertEdgeTx(tx, &model.TaskEdge{
				PlanID:     planID,
				FromTaskID: action.TaskID,
				ToTaskID:   child.TaskID,
				EdgeType:   model.EdgeDecompose,
				AndOr:      model.AndOrAnd,
			}); err != nil {
				return err
			}

			check := &model.TaskNode{
				PlanID:             planID,
				NodeType:           model.NodeCheck,
				Title:              "Review: " + child.Title,
				Owner:              model.OwnerReviewer,
				Priority:           child.Priority,
				Tags:               []string{"autofix", "split"},
				ActiveBranch:       true,
				ReviewTargetTaskID: child.TaskID,
			}
			if err := r.Store.InsertTaskTx(tx, check); err != nil {
				return err
			}
			if err := r.Store.InsertEdgeTx(tx, &model.TaskEdge{
				PlanID:     planID,
				FromTaskID: action.TaskID,
				ToTaskID:   check.TaskID,
				EdgeType:   model.EdgeDecompose,
				AndOr:      model.AndOrAnd,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := r.Store.SetNodeType(action.TaskID, model.NodeGoal); err != nil {
		return err
	}
	if err := r.Store.SetStatus(action.TaskID, model.StatusPending, ""); err != nil {
		return err
	}
	if prior != nil {
		if err := r.Store.SetReviewTarget(prior.TaskID, ""); err != nil {
			return err
		}
		if !prior.Status.Terminal() {
			if err := r.Store.SetStatus(prior.TaskID, model.StatusAbandoned, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

// Snapshot copies the state database into the snapshots directory.
// In-memory databases have nothing to copy; the empty path says so.
func (r *Rewriter) Snapshot() (string, error) {
	src := r.WS.DBPath()
	if _, err := os.Stat(src); err != nil {
		return "", nil
	}
	if err := os.MkdirAll(r.WS.SnapshotsDir(), 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(r.WS.SnapshotsDir(),
		fmt.Sprintf("%s_state.db", time.Now().UTC().Format("20060102T150405Z")))
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return "", err
	}
	return dst, nil
}

func (r *Rewriter) decomposeParent(planID, taskID string) (string, error) {
	edges, err := r.Store.ListEdges(planID)
	if err != nil {
		return "", err
	}
	for _, e := range edges {
		if e.EdgeType == model.EdgeDecompose && e.ToTaskID == taskID {
			return e.FromTaskID, nil
		}
	}
	plan, err := r.Store.GetPlan(planID)
	if err != nil {
		return "", err
	}
	return plan.RootTaskID, nil
}

// decomposeDepth measures every node's distance from the root along
// DECOMPOSE edges.
func decomposeDepth(rootID string, edges []*model.TaskEdge) map[string]int {
	children := map[string][]string{}
	for _, e := range edges {
		if e.EdgeType == model.EdgeDecompose {
			children[e.FromTaskID] = append(children[e.FromTaskID], e.ToTaskID)
		}
	}
	depth := map[string]int{rootID: 0}
	queue := []string{rootID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			if _, seen := depth[c]; seen {
				continue
			}
			depth[c] = depth[cur] + 1
			queue = append(queue, c)
		}
	}
	return depth
}

func defaultDeliverableSpec(t *model.TaskNode) map[string]any {
	return map[string]any{
		"kind":        "document",
		"format":      "md",
		"description": fmt.Sprintf("Written deliverable covering: %s", t.Title),
	}
}

func defaultAcceptanceCriteria(t *model.TaskNode) []map[string]any {
	return []map[string]any{
		{"criterion": fmt.Sprintf("The deliverable addresses %q completely.", t.Title)},
		{"criterion": "The deliverable is self-contained and readable without extra context."},
	}
}
