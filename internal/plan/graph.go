// Package plan turns validated planner output into the persistent task
// graph and drives the generate/review lifecycle that produces it.
package plan

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"taskloom/internal/config"
	"taskloom/internal/model"
	"taskloom/internal/store"
)

// Graph is the decoded form of a validated plan document.
type Graph struct {
	Plan         *model.Plan
	Nodes        []*model.TaskNode
	Edges        []*model.TaskEdge
	Requirements []*model.InputRequirement
}

// DecodeGraph converts a normalized plan document into model rows. When
// planID is non-empty it overrides the document's own plan id so the
// graph attaches to an already-registered plan row.
func DecodeGraph(doc map[string]any, planID string) (*Graph, error) {
	planMap, ok := doc["plan"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("plan document missing plan object")
	}
	if planID == "" {
		planID = str(planMap["plan_id"])
	}
	if planID == "" {
		return nil, fmt.Errorf("plan document missing plan_id")
	}

	p := &model.Plan{
		PlanID:     planID,
		Title:      str(planMap["title"]),
		Owner:      str(planMap["owner"]),
		RootTaskID: str(planMap["root_task_id"]),
	}
	if c, ok := planMap["constraints"].(map[string]any); ok {
		p.Deadline = str(c["deadline"])
		switch str(c["priority"]) {
		case string(model.PriorityLow):
			p.Priority = model.PriorityLow
		case string(model.PriorityHigh):
			p.Priority = model.PriorityHigh
		default:
			p.Priority = model.PriorityMed
		}
	}

	g := &Graph{Plan: p}
	for _, n := range maps(doc["nodes"]) {
		node := &model.TaskNode{
			TaskID:              str(n["task_id"]),
			PlanID:              planID,
			NodeType:            model.NodeType(str(n["node_type"])),
			Title:               str(n["title"]),
			GoalStatement:       str(n["goal_statement"]),
			Rationale:           str(n["rationale"]),
			Owner:               model.Owner(str(n["owner"])),
			Priority:            intval(n["priority"], 0),
			Tags:                strs(n["tags"]),
			Status:              model.StatusPending,
			ActiveBranch:        true,
			ReviewTargetTaskID:  str(n["review_target_task_id"]),
			EstimatedPersonDays: floatval(n["estimated_person_days"]),
		}
		if ds, ok := n["deliverable_spec"].(map[string]any); ok {
			node.DeliverableSpec = ds
		}
		if ac := maps(n["acceptance_criteria"]); len(ac) > 0 {
			node.AcceptanceCriteria = ac
		}
		if ros, ok := n["review_output_spec"].(map[string]any); ok {
			node.ReviewOutputSpec = ros
		}
		g.Nodes = append(g.Nodes, node)
	}

	for _, e := range maps(doc["edges"]) {
		edge := &model.TaskEdge{
			EdgeID:     str(e["edge_id"]),
			PlanID:     planID,
			FromTaskID: str(e["from_task_id"]),
			ToTaskID:   str(e["to_task_id"]),
			EdgeType:   model.EdgeType(str(e["edge_type"])),
		}
		if meta, ok := e["metadata"].(map[string]any); ok {
			if edge.EdgeType == model.EdgeDecompose {
				edge.AndOr = model.AndOr(str(meta["and_or"]))
			}
			if edge.EdgeType == model.EdgeAlternative {
				edge.GroupID = str(meta["group_id"])
			}
		}
		g.Edges = append(g.Edges, edge)
	}

	for _, r := range maps(doc["requirements"]) {
		req := &model.InputRequirement{
			RequirementID: str(r["requirement_id"]),
			TaskID:        str(r["task_id"]),
			Name:          str(r["name"]),
			Kind:          model.RequirementKind(str(r["kind"])),
			Required:      intval(r["required"], 1) != 0,
			MinCount:      intval(r["min_count"], 1),
			AllowedTypes:  strs(r["allowed_types"]),
			Source:        model.RequirementSource(str(r["source"])),
		}
		if v, ok := r["validation"].(map[string]any); ok {
			req.Validation = v
		}
		g.Requirements = append(g.Requirements, req)
	}
	return g, nil
}

// Persist writes the whole graph in one transaction, so a half-stored
// plan can never be observed. The document is rewritten to carry the
// effective plan id before being saved as tasks/plan.json.
func Persist(st *store.Store, ws config.Workspace, doc map[string]any, g *Graph) error {
	err := st.WithTx(func(tx *sql.Tx) error {
		if err := st.UpsertPlanTx(tx, g.Plan); err != nil {
			return err
		}
		for _, n := range g.Nodes {
			if err := st.InsertTaskTx(tx, n); err != nil {
				return err
			}
		}
		for _, e := range g.Edges {
			if err := st.InsertEdgeTx(tx, e); err != nil {
				return err
			}
		}
		for _, r := range g.Requirements {
			if err := st.InsertRequirementTx(tx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist plan %s: %w", g.Plan.PlanID, err)
	}
	return writePlanFile(ws, doc, g.Plan.PlanID)
}

func writePlanFile(ws config.Workspace, doc map[string]any, planID string) error {
	if planMap, ok := doc["plan"].(map[string]any); ok {
		planMap["plan_id"] = planID
	}
	for _, n := range maps(doc["nodes"]) {
		n["plan_id"] = planID
	}
	for _, e := range maps(doc["edges"]) {
		e["plan_id"] = planID
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	path := ws.PlanPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func intval(v any, def int) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func floatval(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
	}
	return 0
}

func strs(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func maps(v any) []map[string]any {
	switch x := v.(type) {
	case []map[string]any:
		return x
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, e := range x {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
