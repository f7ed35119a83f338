// Package observe builds human-facing views over the engine state:
// status reports, blocked-task summaries, doctor findings and state
// snapshots. Markdown output is rendered for the terminal by Render.
package observe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"taskloom/internal/config"
	"taskloom/internal/model"
	"taskloom/internal/store"
	"taskloom/internal/util"
)

// BlockedTask is one entry of the blocked summary.
type BlockedTask struct {
	TaskID       string `json:"task_id"`
	Title        string `json:"title"`
	Reason       string `json:"reason"`
	Hint         string `json:"hint,omitempty"`
	RequiredDocs string `json:"required_docs,omitempty"`
}

// Status is a point-in-time view of one plan.
type Status struct {
	Plan         *model.Plan    `json:"plan"`
	Counts       map[string]int `json:"counts"`
	Total        int            `json:"total"`
	Done         int            `json:"done"`
	Blocked      []BlockedTask  `json:"blocked"`
	LLMCalls     int            `json:"llm_calls"`
	RecentErrors []*model.Event `json:"recent_errors"`
}

// Reporter builds views over the store.
type Reporter struct {
	Store *store.Store
	WS    config.Workspace
}

// BuildStatus assembles the status view for a plan.
func (r *Reporter) BuildStatus(planID string) (*Status, error) {
	plan, err := r.Store.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	tasks, err := r.Store.ListTasks(planID)
	if err != nil {
		return nil, err
	}

	st := &Status{Plan: plan, Counts: map[string]int{}}
	for _, t := range tasks {
		if !t.ActiveBranch {
			continue
		}
		st.Counts[string(t.Status)]++
		st.Total++
		if t.Status == model.StatusDone {
			st.Done++
		}
		if t.Status == model.StatusBlocked {
			entry := BlockedTask{
				TaskID: t.TaskID,
				Title:  t.Title,
				Reason: string(t.BlockedReason),
			}
			if t.BlockedReason == model.WaitingInput {
				if path := r.WS.RequiredDocsPath(t.TaskID); fileExists(path) {
					entry.RequiredDocs = path
				}
			}
			entry.Hint = r.lastErrorHint(t.TaskID)
			st.Blocked = append(st.Blocked, entry)
		}
	}

	if calls, err := r.Store.CountLLMCalls(planID); err == nil {
		st.LLMCalls = calls
	}
	if errs, err := r.Store.ListErrorEvents(planID, 10); err == nil {
		st.RecentErrors = errs
	}
	return st, nil
}

// lastErrorHint pulls the hint from a task's newest ERROR event.
func (r *Reporter) lastErrorHint(taskID string) string {
	events, err := r.Store.ListTaskEvents(taskID, 20)
	if err != nil {
		return ""
	}
	for _, ev := range events {
		if ev.EventType != model.EventError {
			continue
		}
		if ctx, ok := ev.Payload["context"].(map[string]any); ok {
			if hint, ok := ctx["hint"].(string); ok && hint != "" {
				return hint
			}
		}
		if msg, ok := ev.Payload["message"].(string); ok {
			return msg
		}
	}
	return ""
}

// Markdown renders the status as a report document.
func (s *Status) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan: %s\n\n", s.Plan.Title)
	fmt.Fprintf(&b, "- id: `%s`\n- owner: %s\n- priority: %s\n", s.Plan.PlanID, s.Plan.Owner, s.Plan.Priority)
	if s.Total > 0 {
		fmt.Fprintf(&b, "- progress: %d/%d tasks done (%.0f%%)\n", s.Done, s.Total, 100*float64(s.Done)/float64(s.Total))
	}
	fmt.Fprintf(&b, "- llm calls: %d\n\n", s.LLMCalls)

	b.WriteString("## Tasks by status\n\n")
	statuses := make([]string, 0, len(s.Counts))
	for k := range s.Counts {
		statuses = append(statuses, k)
	}
	sort.Strings(statuses)
	for _, k := range statuses {
		fmt.Fprintf(&b, "- %s: %d\n", k, s.Counts[k])
	}
	b.WriteString("\n")

	if len(s.Blocked) > 0 {
		b.WriteString("## Blocked tasks\n\n")
		for _, t := range s.Blocked {
			fmt.Fprintf(&b, "### %s\n\n", t.Title)
			fmt.Fprintf(&b, "- task: `%s`\n- waiting on: %s\n", t.TaskID, t.Reason)
			if t.RequiredDocs != "" {
				fmt.Fprintf(&b, "- what to provide: see %s\n", t.RequiredDocs)
			}
			if t.Hint != "" {
				fmt.Fprintf(&b, "- hint: %s\n", t.Hint)
			}
			b.WriteString("\n")
		}
	}

	if len(s.RecentErrors) > 0 {
		b.WriteString("## Recent errors\n\n")
		for _, ev := range s.RecentErrors {
			code, _ := ev.Payload["error_code"].(string)
			msg, _ := ev.Payload["message"].(string)
			fmt.Fprintf(&b, "- %s `%s` %s\n", ev.CreatedAt.Format(time.RFC3339), code, msg)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Snapshot dumps the full plan state as one JSON file and returns its
// path.
func (r *Reporter) Snapshot(planID string) (string, error) {
	plan, err := r.Store.GetPlan(planID)
	if err != nil {
		return "", err
	}
	tasks, err := r.Store.ListTasks(planID)
	if err != nil {
		return "", err
	}
	edges, err := r.Store.ListEdges(planID)
	if err != nil {
		return "", err
	}
	events, err := r.Store.ListEvents(planID, 500)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(r.WS.SnapshotsDir(), 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(r.WS.SnapshotsDir(),
		fmt.Sprintf("%s_%s.json", time.Now().UTC().Format("20060102T150405Z"), plan.PlanID[:8]))
	data, err := json.MarshalIndent(map[string]any{
		"taken_at": util.NowISO(),
		"plan":     plan,
		"tasks":    tasks,
		"edges":    edges,
		"events":   events,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	return path, os.WriteFile(path, data, 0o644)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
