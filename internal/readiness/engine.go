// Package readiness recomputes the derived lifecycle state of a plan
// graph: alternative-branch selection, active-branch propagation,
// dependency and input gating, goal aggregation and check re-opening.
// Recompute is idempotent; running it twice in a row changes nothing.
package readiness

import (
	"sort"

	"taskloom/internal/config"
	"taskloom/internal/logging"
	"taskloom/internal/model"
	"taskloom/internal/store"
	"taskloom/internal/workspace"
)

// Engine recomputes readiness over one plan.
type Engine struct {
	store *store.Store
	ws    config.Workspace
}

// NewEngine returns an engine bound to the store and workspace.
func NewEngine(st *store.Store, ws config.Workspace) *Engine {
	return &Engine{store: st, ws: ws}
}

// graphState is one loaded snapshot of the plan graph.
type graphState struct {
	planID   string
	tasks    map[string]*model.TaskNode
	order    []string
	children map[string][]string          // DECOMPOSE parent -> children
	parents  map[string][]string          // DECOMPOSE child -> parents
	andOr    map[string]model.AndOr       // DECOMPOSE parent -> aggregation
	deps     map[string][]string          // node -> DEPENDS_ON targets
	altGroup map[string][]string          // group_id -> candidate task ids
}

// Recompute runs every readiness phase once. It is safe to call on any
// plan at any time.
func (e *Engine) Recompute(planID string) error {
	g, err := e.load(planID)
	if err != nil {
		return err
	}
	if len(g.tasks) == 0 {
		return nil
	}

	if err := e.selectAlternatives(g); err != nil {
		return err
	}
	if err := e.propagateActive(g); err != nil {
		return err
	}
	if err := e.gateTasks(g); err != nil {
		return err
	}
	if err := e.aggregateGoals(g); err != nil {
		return err
	}
	return e.reopenChecks(g)
}

func (e *Engine) load(planID string) (*graphState, error) {
	tasks, err := e.store.ListTasks(planID)
	if err != nil {
		return nil, err
	}
	edges, err := e.store.ListEdges(planID)
	if err != nil {
		return nil, err
	}
	g := &graphState{
		planID:   planID,
		tasks:    map[string]*model.TaskNode{},
		children: map[string][]string{},
		parents:  map[string][]string{},
		andOr:    map[string]model.AndOr{},
		deps:     map[string][]string{},
		altGroup: map[string][]string{},
	}
	for _, t := range tasks {
		g.tasks[t.TaskID] = t
		g.order = append(g.order, t.TaskID)
	}
	for _, ed := range edges {
		switch ed.EdgeType {
		case model.EdgeDecompose:
			g.children[ed.FromTaskID] = append(g.children[ed.FromTaskID], ed.ToTaskID)
			g.parents[ed.ToTaskID] = append(g.parents[ed.ToTaskID], ed.FromTaskID)
			if ed.AndOr == model.AndOrOr {
				g.andOr[ed.FromTaskID] = model.AndOrOr
			} else if _, seen := g.andOr[ed.FromTaskID]; !seen {
				g.andOr[ed.FromTaskID] = model.AndOrAnd
			}
		case model.EdgeDependsOn:
			g.deps[ed.FromTaskID] = append(g.deps[ed.FromTaskID], ed.ToTaskID)
		case model.EdgeAlternative:
			group := ed.GroupID
			if group == "" {
				continue
			}
			g.altGroup[group] = appendUnique(g.altGroup[group], ed.ToTaskID)
		}
	}
	return g, nil
}

// selectAlternatives picks exactly one live candidate per alternative
// group. A DONE candidate wins outright and the rest are abandoned;
// otherwise the best non-demoted candidate stays active and demoted
// candidates lose their branch.
func (e *Engine) selectAlternatives(g *graphState) error {
	log := logging.Get(logging.CategoryReadiness)
	groups := make([]string, 0, len(g.altGroup))
	for id := range g.altGroup {
		groups = append(groups, id)
	}
	sort.Strings(groups)

	for _, group := range groups {
		var candidates []*model.TaskNode
		for _, id := range g.altGroup[group] {
			if t, ok := g.tasks[id]; ok {
				candidates = append(candidates, t)
			}
		}
		if len(candidates) == 0 {
			continue
		}

		var done *model.TaskNode
		for _, c := range candidates {
			if c.Status == model.StatusDone {
				done = c
				break
			}
		}
		if done != nil {
			for _, c := range candidates {
				if c == done {
					if !c.ActiveBranch {
						if err := e.setActive(c, true); err != nil {
							return err
						}
					}
					continue
				}
				if !c.Status.Terminal() {
					if err := e.store.SetStatus(c.TaskID, model.StatusAbandoned, ""); err != nil {
						return err
					}
					c.Status = model.StatusAbandoned
				}
				if c.ActiveBranch {
					if err := e.setActive(c, false); err != nil {
						return err
					}
				}
			}
			continue
		}

		// No winner yet: the best viable candidate carries the branch.
		var viable []*model.TaskNode
		for _, c := range candidates {
			if demoted(c) {
				continue
			}
			viable = append(viable, c)
		}
		sort.SliceStable(viable, func(i, j int) bool {
			if viable[i].Priority != viable[j].Priority {
				return viable[i].Priority > viable[j].Priority
			}
			if viable[i].AttemptCount != viable[j].AttemptCount {
				return viable[i].AttemptCount < viable[j].AttemptCount
			}
			return viable[i].TaskID < viable[j].TaskID
		})
		var winner *model.TaskNode
		if len(viable) > 0 {
			winner = viable[0]
		}
		if winner == nil {
			log.Warnw("alternative group exhausted", "group", group, "plan_id", g.planID)
		}
		for _, c := range candidates {
			active := winner != nil && c.TaskID == winner.TaskID
			if c.ActiveBranch != active {
				if err := e.setActive(c, active); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// demoted reports whether an alternative candidate can no longer carry
// the branch.
func demoted(t *model.TaskNode) bool {
	if t.Status == model.StatusFailed || t.Status == model.StatusAbandoned {
		return true
	}
	return t.Status == model.StatusBlocked && t.BlockedReason == model.WaitingExternal
}

// propagateActive pushes inactivity down DECOMPOSE and across
// DEPENDS_ON edges to a fixed point: a node is inactive when any of its
// parents or prerequisites is inactive or when it lost its alternative
// group.
func (e *Engine) propagateActive(g *graphState) error {
	desired := map[string]bool{}
	losers := map[string]bool{}
	for _, ids := range g.altGroup {
		for _, id := range ids {
			if t, ok := g.tasks[id]; ok && !t.ActiveBranch {
				losers[id] = true
			}
		}
	}
	for id := range g.tasks {
		desired[id] = !losers[id]
	}
	for changed := true; changed; {
		changed = false
		for id := range g.tasks {
			if !desired[id] {
				continue
			}
			for _, p := range g.parents[id] {
				if pd, ok := desired[p]; ok && !pd {
					desired[id] = false
					changed = true
					break
				}
			}
			if !desired[id] {
				continue
			}
			// A dependent of an inactive prerequisite can never run.
			for _, dep := range g.deps[id] {
				if dd, ok := desired[dep]; ok && !dd {
					desired[id] = false
					changed = true
					break
				}
			}
		}
	}
	for _, id := range g.order {
		t := g.tasks[id]
		if t.ActiveBranch != desired[id] {
			if err := e.setActive(t, desired[id]); err != nil {
				return err
			}
		}
	}
	return nil
}

// gateTasks applies dependency and input gating to active ACTION and
// CHECK nodes.
func (e *Engine) gateTasks(g *graphState) error {
	for _, id := range g.order {
		t := g.tasks[id]
		if !t.ActiveBranch || t.NodeType == model.NodeGoal || t.Status.Terminal() {
			continue
		}
		switch t.Status {
		case model.StatusPending, model.StatusReady:
		case model.StatusBlocked:
			if t.BlockedReason != model.WaitingInput {
				continue
			}
		default:
			continue
		}

		if !e.depsSatisfied(g, t) {
			if t.Status == model.StatusReady {
				if err := e.setStatus(g, t, model.StatusPending, ""); err != nil {
					return err
				}
			}
			continue
		}

		missing, err := e.missingInputs(t)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			if err := e.setStatus(g, t, model.StatusReady, ""); err != nil {
				return err
			}
			if err := workspace.WriteRequiredDocs(e.ws, t, nil); err != nil {
				return err
			}
			continue
		}

		wasBlocked := t.Status == model.StatusBlocked
		if err := e.setStatus(g, t, model.StatusBlocked, model.WaitingInput); err != nil {
			return err
		}
		if err := workspace.WriteRequiredDocs(e.ws, t, missing); err != nil {
			return err
		}
		if !wasBlocked {
			names := make([]any, 0, len(missing))
			for _, m := range missing {
				names = append(names, m.Name)
			}
			_ = e.store.AppendEvent(&model.Event{
				TaskID:    t.TaskID,
				PlanID:    g.planID,
				EventType: model.EventWaitingInput,
				Payload: map[string]any{
					"missing":           names,
					"required_docs_path": e.ws.RequiredDocsPath(t.TaskID),
				},
			})
		}
	}
	return nil
}

// depsSatisfied reports whether every active DEPENDS_ON target is DONE.
// Inactive targets do not gate; the branch that owned them lost.
func (e *Engine) depsSatisfied(g *graphState, t *model.TaskNode) bool {
	for _, dep := range g.deps[t.TaskID] {
		d, ok := g.tasks[dep]
		if !ok || !d.ActiveBranch {
			continue
		}
		if d.Status != model.StatusDone {
			return false
		}
	}
	return true
}

// missingInputs returns the unsatisfied required input requirements of
// a task.
func (e *Engine) missingInputs(t *model.TaskNode) ([]workspace.MissingInput, error) {
	reqs, err := e.store.ListRequirements(t.TaskID)
	if err != nil {
		return nil, err
	}
	var missing []workspace.MissingInput
	for _, r := range reqs {
		if !r.Required {
			continue
		}
		have, err := e.store.EvidenceCount(r.RequirementID)
		if err != nil {
			return nil, err
		}
		if have >= r.MinCount {
			continue
		}
		desc, _ := r.Validation["description"].(string)
		missing = append(missing, workspace.MissingInput{
			Name:          r.Name,
			Kind:          r.Kind,
			AcceptedTypes: r.AllowedTypes,
			MinCount:      r.MinCount,
			HaveCount:     have,
			Description:   desc,
		})
	}
	return missing, nil
}

// aggregateGoals derives GOAL status from active children bottom-up.
// AND goals finish when every active child is DONE and fail on any
// child failure; OR goals finish on the first DONE child and fail only
// when every child is exhausted.
func (e *Engine) aggregateGoals(g *graphState) error {
	for _, id := range bottomUp(g) {
		t := g.tasks[id]
		if t.NodeType != model.NodeGoal || !t.ActiveBranch || t.Status.Terminal() {
			continue
		}
		var active []*model.TaskNode
		for _, c := range g.children[id] {
			if child, ok := g.tasks[c]; ok && child.ActiveBranch {
				active = append(active, child)
			}
		}
		if len(active) == 0 {
			continue
		}

		mode := g.andOr[id]
		doneCount, failedCount := 0, 0
		for _, c := range active {
			switch c.Status {
			case model.StatusDone:
				doneCount++
			case model.StatusFailed:
				failedCount++
			}
		}
		switch mode {
		case model.AndOrOr:
			if doneCount > 0 {
				if err := e.setStatus(g, t, model.StatusDone, ""); err != nil {
					return err
				}
			} else if failedCount == len(active) {
				if err := e.setStatus(g, t, model.StatusFailed, ""); err != nil {
					return err
				}
			}
		default:
			if failedCount > 0 {
				if err := e.setStatus(g, t, model.StatusFailed, ""); err != nil {
					return err
				}
			} else if doneCount == len(active) {
				if err := e.setStatus(g, t, model.StatusDone, ""); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// reopenChecks re-arms a completed CHECK whose target produced a newer
// candidate artifact than the one its last review pinned.
func (e *Engine) reopenChecks(g *graphState) error {
	for _, id := range g.order {
		t := g.tasks[id]
		if t.NodeType != model.NodeCheck || !t.ActiveBranch || t.ReviewTargetTaskID == "" {
			continue
		}
		if t.Status != model.StatusDone {
			continue
		}
		target, ok := g.tasks[t.ReviewTargetTaskID]
		if !ok || target.Status != model.StatusReadyToCheck || target.ActiveArtifactID == "" {
			continue
		}
		last, err := e.store.LatestReviewForTarget(target.TaskID)
		if err != nil {
			return err
		}
		if last != nil && last.ReviewedArtifactID == target.ActiveArtifactID {
			continue
		}
		if err := e.setStatus(g, t, model.StatusReady, ""); err != nil {
			return err
		}
	}
	return nil
}

// bottomUp orders nodes so DECOMPOSE children come before parents.
func bottomUp(g *graphState) []string {
	depth := map[string]int{}
	var measure func(id string, seen map[string]bool) int
	measure = func(id string, seen map[string]bool) int {
		if d, ok := depth[id]; ok {
			return d
		}
		if seen[id] {
			return 0
		}
		seen[id] = true
		max := 0
		for _, c := range g.children[id] {
			if d := measure(c, seen) + 1; d > max {
				max = d
			}
		}
		depth[id] = max
		return max
	}
	out := append([]string(nil), g.order...)
	for _, id := range out {
		measure(id, map[string]bool{})
	}
	sort.SliceStable(out, func(i, j int) bool { return depth[out[i]] < depth[out[j]] })
	return out
}

func (e *Engine) setStatus(g *graphState, t *model.TaskNode, s model.Status, reason model.BlockedReason) error {
	if t.Status == s && t.BlockedReason == reason {
		return nil
	}
	if err := e.store.SetStatus(t.TaskID, s, reason); err != nil {
		return err
	}
	t.Status = s
	if s == model.StatusBlocked {
		t.BlockedReason = reason
	} else {
		t.BlockedReason = ""
	}
	return nil
}

func (e *Engine) setActive(t *model.TaskNode, active bool) error {
	if err := e.store.SetActiveBranch(t.TaskID, active); err != nil {
		return err
	}
	t.ActiveBranch = active
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
