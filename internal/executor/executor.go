// Package executor runs one working round over the plan: for each
// runnable ACTION node it assembles the task context, calls the model
// under the TASK_ACTION contract and applies the declared result.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"taskloom/internal/config"
	"taskloom/internal/contract"
	"taskloom/internal/llm"
	"taskloom/internal/logging"
	"taskloom/internal/model"
	"taskloom/internal/prompt"
	"taskloom/internal/scheduler"
	"taskloom/internal/skill"
	"taskloom/internal/store"
	"taskloom/internal/util"
	"taskloom/internal/workspace"
)

// snippetLimit caps how much extracted text reaches the prompt per file.
const snippetLimit = 4000

// Executor works ACTION nodes owned by the executor role.
type Executor struct {
	Store    *store.Store
	LLM      *llm.Client
	Prompts  *prompt.Bundle
	Skills   *skill.Runner
	Registry *skill.Registry
	Sched    *scheduler.Scheduler
	Runtime  config.Runtime
	WS       config.Workspace
}

// RunRound retries skill-blocked tasks, then works one executor batch.
// Returns how many tasks were touched.
func (e *Executor) RunRound(ctx context.Context, planID string) (int, error) {
	if err := e.retrySkillBlocked(planID); err != nil {
		return 0, err
	}
	batch, err := e.Sched.ExecutorBatch(planID)
	if err != nil {
		return 0, err
	}
	worked := 0
	for _, task := range batch {
		if err := ctx.Err(); err != nil {
			return worked, err
		}
		if err := e.runTask(ctx, task); err != nil {
			return worked, err
		}
		worked++
	}
	return worked, nil
}

// retrySkillBlocked re-arms tasks parked on a transient skill failure.
func (e *Executor) retrySkillBlocked(planID string) error {
	blocked, err := e.Store.ListTasksByStatus(planID, model.StatusBlocked)
	if err != nil {
		return err
	}
	for _, t := range blocked {
		if t.BlockedReason == model.WaitingSkill && t.ActiveBranch {
			if err := e.Store.SetStatus(t.TaskID, model.StatusReady, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) runTask(ctx context.Context, task *model.TaskNode) error {
	log := logging.Get(logging.CategoryExecutor)
	wasRevision := task.Status == model.StatusToBeModify

	if err := e.Store.SetStatus(task.TaskID, model.StatusInProgress, ""); err != nil {
		return err
	}

	tc, blocked, err := e.buildContext(ctx, task, wasRevision)
	if err != nil {
		return err
	}
	if blocked {
		return nil
	}

	res := e.LLM.CallJSON(ctx, llm.Request{
		PlanID:   task.PlanID,
		TaskID:   task.TaskID,
		Role:     model.OwnerExecutor,
		Contract: "TASK_ACTION",
		System:   e.Prompts.Shared.Content,
		Prompt:   e.Prompts.BuildTaskPrompt(tc),
	})
	if res.ErrorCode != "" {
		reason := "task call failed"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		return e.failAttempt(task, res.ErrorCode, reason, nil)
	}

	action, cerr := contract.NormalizeAndValidate("TASK_ACTION", res.Parsed, contract.Context{
		TaskID: task.TaskID,
		NowISO: util.NowISO,
	})
	if cerr != nil {
		return e.failAttempt(task, model.ErrContractMismatch, cerr.Short(), cerr.ToMap())
	}

	resultType, _ := action["result_type"].(string)
	log.Infow("task action", "task_id", task.TaskID, "result_type", resultType)
	switch resultType {
	case contract.ResultArtifact:
		return e.applyArtifact(task, action)
	case contract.ResultNeedsInput:
		return e.applyNeedsInput(task, action)
	case contract.ResultNoop:
		return e.applyNoop(task)
	default: // ERROR
		reason, _ := action["message"].(string)
		if reason == "" {
			reason = "executor reported an error"
		}
		return e.failAttempt(task, model.ErrLLMFailed, reason, nil)
	}
}

// buildContext loads requirements, picks the best evidence per
// requirement and extracts text snippets. A true blocked return means
// the task was parked and the round should move on.
func (e *Executor) buildContext(ctx context.Context, task *model.TaskNode, wasRevision bool) (prompt.TaskContext, bool, error) {
	tc := prompt.TaskContext{Task: task}

	if p, err := e.Store.GetPlan(task.PlanID); err == nil {
		tc.Plan = p
		if p.RootTaskID != "" {
			if root, err := e.Store.GetTask(p.RootTaskID); err == nil {
				tc.RootGoal = root
			}
		}
	}

	reqs, err := e.Store.ListRequirements(task.TaskID)
	if err != nil {
		return tc, false, err
	}
	tc.Requirements = reqs

	var chosen []*model.Evidence
	for _, r := range reqs {
		evs, err := e.Store.ListEvidence(r.RequirementID)
		if err != nil {
			return tc, false, err
		}
		if len(evs) == 0 {
			continue
		}
		best, conflict := pickEvidence(evs)
		if conflict {
			_ = e.Store.RecordError(task.TaskID, task.PlanID, model.ErrInputConflict,
				fmt.Sprintf("multiple equally ranked inputs for requirement %s", r.Name),
				map[string]any{"requirement_id": r.RequirementID})
			if err := e.Store.SetStatus(task.TaskID, model.StatusBlocked, model.WaitingInput); err != nil {
				return tc, false, err
			}
			return tc, true, nil
		}
		chosen = append(chosen, best)
		tc.Evidences = append(tc.Evidences, map[string]any{
			"requirement_id":   r.RequirementID,
			"requirement_name": r.Name,
			"path":             best.Path,
			"sha256":           best.SHA256,
		})
	}

	snippets, parked, err := e.extractSnippets(ctx, task, chosen)
	if err != nil || parked {
		return tc, parked, err
	}
	tc.Snippets = snippets

	if wasRevision {
		if rev, err := e.Store.LatestReviewForTarget(task.TaskID); err == nil && rev != nil {
			tc.Suggestions = suggestionText(rev)
		}
	}
	return tc, false, nil
}

// pickEvidence prefers a single file named final, then the newest bind;
// an unresolved tie is a conflict the user must break.
func pickEvidence(evs []*model.Evidence) (*model.Evidence, bool) {
	var finals []*model.Evidence
	for _, ev := range evs {
		if strings.Contains(strings.ToLower(filepath.Base(ev.Path)), "final") {
			finals = append(finals, ev)
		}
	}
	if len(finals) == 1 {
		return finals[0], false
	}
	if len(finals) > 1 {
		return nil, true
	}
	best := evs[0]
	tie := false
	for _, ev := range evs[1:] {
		switch {
		case ev.CreatedAt.After(best.CreatedAt):
			best, tie = ev, false
		case ev.CreatedAt.Equal(best.CreatedAt) && ev.Path != best.Path:
			tie = true
		}
	}
	return best, tie
}

// extractSnippets runs the text-extract skill over chosen file inputs.
// Transient skill failures park the task; once the retry budget is
// spent the task waits for outside help.
func (e *Executor) extractSnippets(ctx context.Context, task *model.TaskNode, evs []*model.Evidence) ([]string, bool, error) {
	skillName := e.findSkill("builtin:text_extract")
	if skillName == "" || len(evs) == 0 {
		return nil, false, nil
	}
	var snippets []string
	for _, ev := range evs {
		res := e.Skills.Run(ctx, task.PlanID, task.TaskID, skillName,
			[]skill.Input{{Kind: "FILE", Path: ev.Path, SHA256: ev.SHA256}}, nil)
		if res.Status == skill.StatusOK {
			for _, art := range res.Artifacts {
				if data, err := os.ReadFile(art.Path); err == nil {
					snippets = append(snippets, util.Truncate(string(data), snippetLimit))
				}
			}
			continue
		}
		if res.ErrorCode == model.ErrSkillBadInput {
			logging.Get(logging.CategoryExecutor).Debugw("text extract skipped",
				"task_id", task.TaskID, "path", ev.Path, "reason", res.ErrorMsg)
			continue
		}

		_ = e.Store.RecordError(task.TaskID, task.PlanID, res.ErrorCode, res.ErrorMsg,
			map[string]any{"skill": skillName, "path": ev.Path})
		counters, err := e.Store.ErrorCounters(task.TaskID)
		if err != nil {
			return nil, false, err
		}
		failures := counters[model.ErrSkillFailed] + counters[model.ErrSkillTimeout]
		reason := model.WaitingSkill
		if failures >= e.Runtime.MaxSkillRetries {
			reason = model.WaitingExternal
		}
		if err := e.Store.SetStatus(task.TaskID, model.StatusBlocked, reason); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}
	return snippets, false, nil
}

// findSkill resolves a registry skill by implementation name.
func (e *Executor) findSkill(implementation string) string {
	for _, name := range e.Registry.Names() {
		if def, ok := e.Registry.Get(name); ok && def.Implementation == implementation {
			return name
		}
	}
	return ""
}

func (e *Executor) applyArtifact(task *model.TaskNode, action map[string]any) error {
	art, _ := action["artifact"].(map[string]any)
	name, _ := art["name"].(string)
	format, _ := art["format"].(string)
	content, _ := art["content"].(string)
	if name == "" {
		name = "output"
	}

	dir := e.WS.TaskArtifactsDir(task.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	path := filepath.Join(dir, util.Slugify(base)+"."+format)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return err
	}

	a := &model.Artifact{
		TaskID: task.TaskID,
		Name:   name,
		Path:   path,
		Format: format,
		SHA256: util.SHA256Hex([]byte(content)),
	}
	if err := e.Store.InsertArtifact(a); err != nil {
		return err
	}
	if err := e.Store.SetActiveArtifact(task.TaskID, a.ArtifactID); err != nil {
		return err
	}
	return e.Store.SetStatus(task.TaskID, model.StatusReadyToCheck, "")
}

// applyNeedsInput registers the declared missing inputs as user
// requirements and parks the task until they arrive.
func (e *Executor) applyNeedsInput(task *model.TaskNode, action map[string]any) error {
	needs, _ := action["needs_input"].(map[string]any)
	reason, _ := needs["reason"].(string)

	existing := map[string]bool{}
	if reqs, err := e.Store.ListRequirements(task.TaskID); err == nil {
		for _, r := range reqs {
			existing[strings.ToLower(r.Name)] = true
		}
	}

	var missing []workspace.MissingInput
	docs, _ := needs["required_docs"].([]any)
	for _, d := range docs {
		doc, ok := d.(map[string]any)
		if !ok {
			continue
		}
		name, _ := doc["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := doc["description"].(string)
		var types []string
		if ts, ok := doc["accepted_types"].([]any); ok {
			for _, t := range ts {
				if s, ok := t.(string); ok {
					types = append(types, s)
				}
			}
		}
		if !existing[strings.ToLower(name)] {
			req := &model.InputRequirement{
				TaskID:       task.TaskID,
				Name:         name,
				Kind:         model.ReqFile,
				Required:     true,
				MinCount:     1,
				AllowedTypes: types,
				Source:       model.SourceUser,
			}
			if desc != "" {
				req.Validation = map[string]any{"description": desc}
			}
			if err := e.Store.InsertRequirement(req); err != nil {
				return err
			}
		}
		missing = append(missing, workspace.MissingInput{
			Name:          name,
			Kind:          model.ReqFile,
			AcceptedTypes: types,
			MinCount:      1,
			Description:   desc,
		})
	}

	if err := workspace.WriteRequiredDocs(e.WS, task, missing); err != nil {
		return err
	}
	_ = e.Store.RecordError(task.TaskID, task.PlanID, model.ErrInputMissing, reason,
		map[string]any{"required_docs_path": e.WS.RequiredDocsPath(task.TaskID)})
	_ = e.Store.AppendEvent(&model.Event{
		TaskID:    task.TaskID,
		PlanID:    task.PlanID,
		EventType: model.EventWaitingInput,
		Payload:   map[string]any{"reason": reason},
	})
	return e.Store.SetStatus(task.TaskID, model.StatusBlocked, model.WaitingInput)
}

// applyNoop parks a task that declared nothing to produce as a review
// candidate. The executor never settles completion itself; the rewrite
// pass guarantees every action a bound check, and the gate decides.
func (e *Executor) applyNoop(task *model.TaskNode) error {
	return e.Store.SetStatus(task.TaskID, model.StatusReadyToCheck, "")
}

// failAttempt charges one attempt and either re-arms the task or fails
// it for good once the attempt budget is spent.
func (e *Executor) failAttempt(task *model.TaskNode, code model.ErrorCode, reason string, extra map[string]any) error {
	_ = e.Store.RecordError(task.TaskID, task.PlanID, code, reason, extra)
	attempts, err := e.Store.IncrementAttempts(task.TaskID)
	if err != nil {
		return err
	}
	if attempts >= e.Runtime.MaxTaskAttempts {
		_ = e.Store.RecordError(task.TaskID, task.PlanID, model.ErrMaxAttemptsExceeded,
			fmt.Sprintf("task failed after %d attempts", attempts), nil)
		return e.Store.SetStatus(task.TaskID, model.StatusFailed, "")
	}
	return e.Store.SetStatus(task.TaskID, model.StatusReady, "")
}

func suggestionText(rev *model.Review) string {
	var parts []string
	if strings.TrimSpace(rev.Summary) != "" {
		parts = append(parts, strings.TrimSpace(rev.Summary))
	}
	for _, s := range rev.Suggestions {
		change, _ := s["change"].(string)
		if strings.TrimSpace(change) == "" {
			continue
		}
		prio, _ := s["priority"].(string)
		if prio != "" {
			parts = append(parts, fmt.Sprintf("[%s] %s", prio, strings.TrimSpace(change)))
		} else {
			parts = append(parts, strings.TrimSpace(change))
		}
	}
	return strings.Join(parts, "\n")
}
