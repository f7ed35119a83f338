package contract

import (
	"fmt"
	"sort"
	"strings"
)

var allowedNodeTypes = map[string]bool{"GOAL": true, "ACTION": true, "CHECK": true}
var allowedEdgeTypes = map[string]bool{"DECOMPOSE": true, "DEPENDS_ON": true, "ALTERNATIVE": true}
var allowedOwners = map[string]bool{"executor": true, "reviewer": true, "secondary_reviewer": true}
var allowedRequirementKinds = map[string]bool{"FILE": true, "CONFIRMATION": true, "SKILL_OUTPUT": true}
var allowedRequirementSources = map[string]bool{"USER": true, "AGENT": true, "ANY": true}

// Legacy role names are accepted and mapped onto the canonical owners.
var ownerAliases = map[string]string{
	"xiaobo":   "executor",
	"xiaojing": "reviewer",
	"xiaoxie":  "secondary_reviewer",
	"planner":  "executor",
	"worker":   "executor",
	"checker":  "reviewer",
}

var edgeTypeAliases = map[string]string{
	"DEPEND": "DEPENDS_ON", "DEPENDS": "DEPENDS_ON", "DEPEND_ON": "DEPENDS_ON",
	"DEPENDS-ON": "DEPENDS_ON", "DEPENDS ON": "DEPENDS_ON", "REQUIRES": "DEPENDS_ON",
	"PREREQ": "DEPENDS_ON", "PREREQUISITE": "DEPENDS_ON",
	"DECOMPOSITION": "DECOMPOSE", "BREAKDOWN": "DECOMPOSE", "CHILD_OF": "DECOMPOSE",
	"ALT": "ALTERNATIVE", "ALTERNATE": "ALTERNATIVE",
}

var requirementKindAliases = map[string]string{
	"FILES": "FILE", "DOC": "FILE", "DOCS": "FILE", "DOCUMENT": "FILE", "DOCUMENTS": "FILE",
	"CONFIRM": "CONFIRMATION", "SKILL": "SKILL_OUTPUT", "SKILL_RESULT": "SKILL_OUTPUT",
	"SKILL_ARTIFACT": "SKILL_OUTPUT",
}

// PlanContext carries the values normalization needs from the caller.
type PlanContext struct {
	TopTask string
	NowISO  func() string
}

// NormalizePlanJSON repairs a raw planner output into the strict
// plan_json_v1 shape: id renaming onto UUIDs through a deterministic
// rename map, START/END rewriting, placeholder nodes for dangling
// references, enum alias mapping and a synthesized DECOMPOSE tree when
// the planner emitted no edges.
func NormalizePlanJSON(planJSON map[string]any, ctx PlanContext) map[string]any {
	if planJSON == nil {
		return map[string]any{"plan": map[string]any{}, "nodes": []any{}, "edges": []any{}, "requirements": []any{}}
	}

	plan, ok := planJSON["plan"].(map[string]any)
	if !ok {
		// Accept flat plan fields at the top level.
		plan = map[string]any{}
		applyAliases(planJSON, map[string][]string{}, false)
		for canonical, alts := range map[string][]string{
			"plan_id":      {"plan_id", "planId", "id"},
			"title":        {"title", "name"},
			"owner":        {"owner", "owner_agent_id", "agent"},
			"root_task_id": {"root_task_id", "root", "root_id"},
			"created_at":   {"created_at", "ts", "created", "createdAt"},
			"constraints":  {"constraints", "constraints_json", "constraint"},
		} {
			if v, found := firstPresent(planJSON, alts...); found {
				plan[canonical] = v
			}
		}
		planJSON["plan"] = plan
	}
	applyAliases(plan, map[string][]string{
		"plan_id":      {"id", "planId"},
		"title":        {"name"},
		"owner":        {"owner_agent_id", "agent"},
		"root_task_id": {"root", "root_id"},
		"created_at":   {"ts", "created", "createdAt"},
	}, false)

	title := strings.TrimSpace(fmt.Sprint(valueOr(plan, "title", "")))
	if title == "" {
		title = cleanTopTask(ctx.TopTask)
		if len(title) > 120 {
			title = title[:120]
		}
		if title == "" {
			title = "Untitled Plan"
		}
	}
	plan["title"] = title

	if !isUUID(plan["plan_id"]) {
		plan["plan_id"] = newID()
	}
	if !isISO8601(plan["created_at"]) && ctx.NowISO != nil {
		plan["created_at"] = ctx.NowISO()
	}
	if owner := canonicalOwner(plan["owner"]); owner != "" {
		plan["owner"] = owner
	} else {
		plan["owner"] = "executor"
	}
	if _, ok := plan["constraints"].(map[string]any); !ok {
		plan["constraints"] = map[string]any{"deadline": nil, "priority": "HIGH"}
	}

	nodes := ensureListContainer(planJSON, "nodes", "nodes", "tasks", "task_nodes", "items")
	edges := ensureListContainer(planJSON, "edges", "edges", "links", "deps", "dependencies", "task_edges")
	reqs := ensureListContainer(planJSON, "requirements", "requirements", "inputs", "input_requirements", "requirements_list")

	// Deterministic rename map: non-UUID ids get a fresh UUID once and
	// every later reference to the same loose id maps to it.
	idMap := map[string]string{}
	mapID := func(v any) string {
		s, ok := v.(string)
		if !ok || s == "" {
			return newID()
		}
		if isUUID(s) {
			return s
		}
		if mapped, ok := idMap[s]; ok {
			return mapped
		}
		idMap[s] = newID()
		return idMap[s]
	}

	planID := plan["plan_id"].(string)
	// The root id goes through the same rename map so a loose "root"
	// emitted on nodes and on the plan resolves to one UUID.
	rootTaskID := mapID(plan["root_task_id"])
	plan["root_task_id"] = rootTaskID

	for _, n := range nodes {
		applyAliases(n, map[string][]string{
			"task_id":        {"id", "taskId", "node_id", "nodeId"},
			"title":          {"name", "label"},
			"node_type":      {"type", "kind"},
			"owner":          {"owner_agent_id", "agent"},
			"priority":       {"prio"},
			"goal_statement": {"goal", "objective"},
			"rationale":      {"reason", "why"},
			"tags":           {"labels"},
			"review_target_task_id": {"review_target", "target_task_id", "target"},
		}, false)
	}
	for _, e := range edges {
		applyAliases(e, map[string][]string{
			"edge_id":      {"id"},
			"from_task_id": {"from", "from_id", "source", "src", "parent_id"},
			"to_task_id":   {"to", "to_id", "target", "tgt", "child_id"},
			"edge_type":    {"type", "relation", "relation_type", "kind"},
			"metadata":     {"meta"},
		}, false)
	}

	for _, n := range nodes {
		n["task_id"] = mapID(n["task_id"])
		n["plan_id"] = planID
		// CHECK bindings reference other nodes and rename with them.
		if nonEmptyString(n["review_target_task_id"]) {
			n["review_target_task_id"] = mapID(n["review_target_task_id"])
		}
	}
	for _, e := range edges {
		e["edge_id"] = mapID(e["edge_id"])
		e["plan_id"] = planID
		e["from_task_id"] = mapID(e["from_task_id"])
		e["to_task_id"] = mapID(e["to_task_id"])
	}
	for _, r := range reqs {
		r["requirement_id"] = mapID(r["requirement_id"])
		r["task_id"] = mapID(r["task_id"])
	}

	// Rewrite synthetic START/END placeholders: START->X becomes a
	// root-anchored DECOMPOSE, edges into END are dropped.
	startIDs, endIDs := map[string]bool{}, map[string]bool{}
	for loose, mapped := range idMap {
		switch strings.ToUpper(strings.TrimSpace(loose)) {
		case "START", "BEGIN":
			startIDs[mapped] = true
		case "END", "FINISH", "STOP":
			endIDs[mapped] = true
		}
	}
	if len(startIDs) > 0 || len(endIDs) > 0 {
		kept := edges[:0]
		for _, e := range edges {
			to, _ := e["to_task_id"].(string)
			if endIDs[to] {
				continue
			}
			from, _ := e["from_task_id"].(string)
			if startIDs[from] {
				e["from_task_id"] = rootTaskID
				e["edge_type"] = "DECOMPOSE"
				meta, ok := e["metadata"].(map[string]any)
				if !ok {
					meta = map[string]any{}
					e["metadata"] = meta
				}
				meta["and_or"] = "AND"
			}
			kept = append(kept, e)
		}
		edges = kept
		planJSON["edges"] = edges
	}

	// Every referenced id must exist as a node; missing ones become
	// tagged placeholders so referential integrity holds.
	nodeByID := map[string]map[string]any{}
	for _, n := range nodes {
		if id, ok := n["task_id"].(string); ok {
			nodeByID[id] = n
		}
	}
	ensureNode := func(taskID string, isRoot bool) {
		if taskID == "" || nodeByID[taskID] != nil {
			return
		}
		node := map[string]any{
			"task_id":   taskID,
			"plan_id":   planID,
			"node_type": "ACTION",
			"title":     fmt.Sprintf("AUTO: missing node %.8s", taskID),
			"rationale": "Autocreated placeholder node for referential integrity.",
			"owner":     "executor",
			"priority":  0,
			"tags":      []any{"autofix", "placeholder"},
		}
		if isRoot {
			node["node_type"] = "GOAL"
			node["title"] = "Root Task"
			node["goal_statement"] = cleanTopTask(ctx.TopTask)
			node["tags"] = []any{}
		}
		nodes = append(nodes, node)
		nodeByID[taskID] = node
	}
	ensureNode(rootTaskID, true)
	for _, e := range edges {
		from, _ := e["from_task_id"].(string)
		to, _ := e["to_task_id"].(string)
		ensureNode(from, false)
		ensureNode(to, false)
	}
	for _, r := range reqs {
		tid, _ := r["task_id"].(string)
		ensureNode(tid, false)
	}
	if len(startIDs) > 0 || len(endIDs) > 0 {
		kept := nodes[:0]
		for _, n := range nodes {
			id, _ := n["task_id"].(string)
			if startIDs[id] || endIDs[id] {
				delete(nodeByID, id)
				continue
			}
			kept = append(kept, n)
		}
		nodes = kept
	}
	planJSON["nodes"] = nodes

	// Required node fields and enums.
	for idx, n := range nodes {
		nt, _ := n["node_type"].(string)
		nt = strings.ToUpper(strings.TrimSpace(nt))
		if !allowedNodeTypes[nt] {
			if n["task_id"] == rootTaskID {
				nt = "GOAL"
			} else {
				nt = "ACTION"
			}
		}
		n["node_type"] = nt
		if strings.TrimSpace(fmt.Sprint(valueOr(n, "title", ""))) == "" {
			n["title"] = fmt.Sprintf("Task %d", idx+1)
		}
		if n["task_id"] == rootTaskID && nt == "GOAL" && !nonEmptyString(n["goal_statement"]) {
			n["goal_statement"] = cleanTopTask(ctx.TopTask)
		}
		if owner := canonicalOwner(n["owner"]); owner != "" {
			n["owner"] = owner
		} else {
			n["owner"] = "executor"
		}
		n["priority"] = coerceInt(n["priority"], 0)
		if _, ok := stringSlice(n["tags"]); !ok {
			n["tags"] = []any{}
		}
	}

	// Edge enums plus consistent and_or per parent.
	for _, e := range edges {
		et, _ := e["edge_type"].(string)
		et = strings.ToUpper(strings.TrimSpace(et))
		if alias, ok := edgeTypeAliases[et]; ok {
			et = alias
		}
		if !allowedEdgeTypes[et] {
			et = "DEPENDS_ON"
		}
		e["edge_type"] = et
		meta, ok := e["metadata"].(map[string]any)
		if !ok {
			meta = map[string]any{}
			e["metadata"] = meta
		}
		if et == "DECOMPOSE" {
			ao := strings.ToUpper(strings.TrimSpace(fmt.Sprint(valueOr(meta, "and_or", "AND"))))
			if ao != "AND" && ao != "OR" {
				ao = "AND"
			}
			meta["and_or"] = ao
		}
		if et == "ALTERNATIVE" && !nonEmptyString(meta["group_id"]) {
			meta["group_id"] = "AUTO_GROUP_1"
		}
	}
	enforceConsistentAndOr(edges)

	// Requirement defaults and enums.
	for idx, r := range reqs {
		if strings.TrimSpace(fmt.Sprint(valueOr(r, "name", ""))) == "" {
			r["name"] = fmt.Sprintf("requirement_%d", idx+1)
		}
		kind, _ := r["kind"].(string)
		kind = strings.ToUpper(strings.TrimSpace(kind))
		if alias, ok := requirementKindAliases[kind]; ok {
			kind = alias
		}
		if !allowedRequirementKinds[kind] {
			kind = "FILE"
		}
		r["kind"] = kind
		src, _ := r["source"].(string)
		src = strings.ToUpper(strings.TrimSpace(src))
		if !allowedRequirementSources[src] {
			src = "USER"
		}
		r["source"] = src
		if coerceBool(r["required"], true) {
			r["required"] = 1
		} else {
			r["required"] = 0
		}
		mc := coerceInt(r["min_count"], 1)
		if mc < 1 {
			mc = 1
		}
		r["min_count"] = mc
		if s, ok := r["allowed_types"].(string); ok {
			parts := []any{}
			for _, p := range strings.Split(s, ",") {
				if strings.TrimSpace(p) != "" {
					parts = append(parts, strings.TrimSpace(p))
				}
			}
			r["allowed_types"] = parts
		} else if _, ok := stringSlice(r["allowed_types"]); !ok {
			r["allowed_types"] = []any{}
		}
	}

	// A plan without edges cannot aggregate; synthesize a flat DECOMPOSE
	// tree from the root. Likewise add root DECOMPOSE edges when only
	// DEPENDS_ON chains were emitted.
	hasRootDecompose := false
	for _, e := range edges {
		if e["edge_type"] == "DECOMPOSE" && e["from_task_id"] == rootTaskID {
			hasRootDecompose = true
			break
		}
	}
	if !hasRootDecompose && len(nodes) > 1 {
		existing := map[string]bool{}
		for _, e := range edges {
			existing[fmt.Sprint(e["from_task_id"], "->", e["to_task_id"], ":", e["edge_type"])] = true
		}
		for _, n := range nodes {
			tid, _ := n["task_id"].(string)
			if tid == rootTaskID {
				continue
			}
			key := fmt.Sprint(rootTaskID, "->", tid, ":DECOMPOSE")
			if existing[key] {
				continue
			}
			edges = append(edges, map[string]any{
				"edge_id":      newID(),
				"plan_id":      planID,
				"from_task_id": rootTaskID,
				"to_task_id":   tid,
				"edge_type":    "DECOMPOSE",
				"metadata":     map[string]any{"and_or": "AND"},
			})
		}
		planJSON["edges"] = edges
	}

	return planJSON
}

func canonicalOwner(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if alias, ok := ownerAliases[s]; ok {
		return alias
	}
	if allowedOwners[s] {
		return s
	}
	return ""
}

// enforceConsistentAndOr makes every DECOMPOSE edge under one parent
// agree on and_or; the majority value wins, AND on ties.
func enforceConsistentAndOr(edges []map[string]any) {
	counts := map[string]map[string]int{}
	for _, e := range edges {
		if e["edge_type"] != "DECOMPOSE" {
			continue
		}
		parent, _ := e["from_task_id"].(string)
		meta, _ := e["metadata"].(map[string]any)
		ao := "AND"
		if meta != nil {
			ao = fmt.Sprint(valueOr(meta, "and_or", "AND"))
		}
		if counts[parent] == nil {
			counts[parent] = map[string]int{}
		}
		counts[parent][ao]++
	}
	for _, e := range edges {
		if e["edge_type"] != "DECOMPOSE" {
			continue
		}
		parent, _ := e["from_task_id"].(string)
		c := counts[parent]
		winner := "AND"
		if c["OR"] > c["AND"] {
			winner = "OR"
		}
		meta, ok := e["metadata"].(map[string]any)
		if !ok {
			meta = map[string]any{}
			e["metadata"] = meta
		}
		meta["and_or"] = winner
	}
}

// ValidatePlan strictly checks a normalized plan document, including
// referential integrity and acyclicity of the edge union.
func ValidatePlan(planJSON map[string]any) (bool, string) {
	plan, ok := planJSON["plan"].(map[string]any)
	if !ok {
		return false, "missing key: plan"
	}
	for _, k := range []string{"plan_id", "title", "root_task_id"} {
		if !nonEmptyString(plan[k]) {
			return false, "missing key: " + k
		}
	}
	nodes := listOfMaps(planJSON["nodes"])
	if len(nodes) == 0 {
		return false, "missing key: nodes"
	}
	edges := listOfMaps(planJSON["edges"])

	nodeIDs := map[string]string{}
	for _, n := range nodes {
		for _, k := range []string{"task_id", "node_type", "title"} {
			if !nonEmptyString(n[k]) {
				return false, "node missing key: " + k
			}
		}
		nt, _ := n["node_type"].(string)
		if !allowedNodeTypes[nt] {
			return false, "node.node_type must be GOAL|ACTION|CHECK"
		}
		id := n["task_id"].(string)
		if _, dup := nodeIDs[id]; dup {
			return false, fmt.Sprintf("duplicate node id: %s", id)
		}
		nodeIDs[id] = nt
	}
	rootID := plan["root_task_id"].(string)
	if _, ok := nodeIDs[rootID]; !ok {
		return false, "root_task_id does not reference a node"
	}

	adj := map[string][]string{}
	for _, e := range edges {
		et, _ := e["edge_type"].(string)
		if !allowedEdgeTypes[et] {
			return false, "edge.edge_type must be DECOMPOSE|DEPENDS_ON|ALTERNATIVE"
		}
		from, _ := e["from_task_id"].(string)
		to, _ := e["to_task_id"].(string)
		if _, ok := nodeIDs[from]; !ok {
			return false, fmt.Sprintf("edge references unknown node: %s", from)
		}
		if _, ok := nodeIDs[to]; !ok {
			return false, fmt.Sprintf("edge references unknown node: %s", to)
		}
		meta, _ := e["metadata"].(map[string]any)
		if et == "ALTERNATIVE" && (meta == nil || !nonEmptyString(meta["group_id"])) {
			return false, "ALTERNATIVE edge requires metadata.group_id"
		}
		adj[from] = append(adj[from], to)
	}

	if from, to, found := findCycle(adj); found {
		return false, fmt.Sprintf("cycle detected in task graph (%s -> %s)", from, to)
	}
	return true, ""
}

// findCycle runs a DFS over the edge union and reports one offending
// node pair when a back edge exists.
func findCycle(adj map[string][]string) (string, string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var cycleFrom, cycleTo string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		next := append([]string(nil), adj[n]...)
		sort.Strings(next)
		for _, m := range next {
			switch color[m] {
			case gray:
				cycleFrom, cycleTo = n, m
				return true
			case white:
				if visit(m) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}

	roots := make([]string, 0, len(adj))
	for n := range adj {
		roots = append(roots, n)
	}
	sort.Strings(roots)
	for _, n := range roots {
		if color[n] == white && visit(n) {
			return cycleFrom, cycleTo, true
		}
	}
	return "", "", false
}
