package plan

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"taskloom/internal/config"
	"taskloom/internal/contract"
	"taskloom/internal/llm"
	"taskloom/internal/logging"
	"taskloom/internal/model"
	"taskloom/internal/prompt"
	"taskloom/internal/store"
	"taskloom/internal/util"
)

// remediationNoteLimit caps the review feedback carried into the next
// generation attempt.
const remediationNoteLimit = 500

// planReviewRubric is the scoring rubric given to the plan reviewer.
var planReviewRubric = map[string]any{
	"dimensions": []any{
		map[string]any{"name": "completeness", "weight": 30, "question": "Does the graph cover every part of the top task?"},
		map[string]any{"name": "decomposition", "weight": 25, "question": "Are ACTION nodes small, concrete and checkable?"},
		map[string]any{"name": "dependencies", "weight": 20, "question": "Are DEPENDS_ON edges correct and free of cycles?"},
		map[string]any{"name": "checks", "weight": 15, "question": "Does every significant ACTION have a CHECK bound to it?"},
		map[string]any{"name": "inputs", "weight": 10, "question": "Are required user inputs declared as requirements?"},
	},
	"pass_score": contract.ApproveScoreThreshold,
}

// WorkflowError reports a plan lifecycle that exhausted every attempt.
type WorkflowError struct {
	Attempts   int
	LastCode   model.ErrorCode
	LastReason string
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("plan workflow failed after %d attempts: %s (%s)",
		e.Attempts, e.LastCode, e.LastReason)
}

// Workflow runs the generate/review lifecycle that produces an approved
// task graph. Each generation attempt gets a full round of reviews
// before a new generation is tried; the last rejection's feedback is
// carried forward as a bounded remediation note.
type Workflow struct {
	Store   *store.Store
	LLM     *llm.Client
	Prompts *prompt.Bundle
	Runtime config.Runtime
	WS      config.Workspace
	// Skills lists the skill names advertised to the planner.
	Skills []string
	// Constraints are caller-supplied planning constraints, e.g. deadline.
	Constraints map[string]any
}

// Run generates, reviews and persists a plan for topTask. On success the
// stored plan row is returned and tasks/plan.json reflects the approved
// document.
func (w *Workflow) Run(ctx context.Context, topTask string) (*model.Plan, error) {
	log := logging.Get(logging.CategoryPlan)
	topTask = strings.TrimSpace(topTask)
	if topTask == "" {
		return nil, fmt.Errorf("top task required")
	}

	var (
		reviewNotes string
		genNotes    string
		lastCode    model.ErrorCode
		lastReason  string
	)
	for attempt := 1; attempt <= w.Runtime.MaxPlanAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// A stub plan row exists before anything else so every event of
		// this attempt has a plan to hang off.
		planID := uuid.NewString()
		stubTitle := util.Truncate(topTask, 120)
		if err := w.Store.UpsertPlan(&model.Plan{PlanID: planID, Title: stubTitle, Owner: string(model.OwnerExecutor)}); err != nil {
			return nil, err
		}
		log.Infow("plan attempt", "attempt", attempt, "plan_id", planID)

		doc, err := w.generate(ctx, planID, topTask, reviewNotes, genNotes)
		if err != nil {
			var cerr *contract.ContractError
			if we, ok := err.(*genError); ok {
				lastCode, lastReason, cerr = we.code, we.reason, we.contractErr
			} else {
				return nil, err
			}
			genNotes = remediationFromContract(cerr, lastReason)
			// Superseding keeps the attempt's error events queryable.
			_ = w.Store.SetPlanStatus(planID, model.PlanStatusSuperseded)
			continue
		}

		graph, err := DecodeGraph(doc, planID)
		if err != nil {
			lastCode, lastReason = model.ErrContractMismatch, err.Error()
			_ = w.Store.RecordError("", planID, model.ErrContractMismatch, err.Error(), nil)
			_ = w.Store.SetPlanStatus(planID, model.PlanStatusSuperseded)
			continue
		}
		graph.Plan.PlanID = planID

		review, verdict := w.review(ctx, planID, doc)
		if verdict.pass {
			if err := Persist(w.Store, w.WS, doc, graph); err != nil {
				return nil, err
			}
			w.recordApproval(planID, graph, review, verdict)
			log.Infow("plan approved", "plan_id", planID, "score", verdict.score, "attempt", attempt)
			return w.Store.GetPlan(planID)
		}

		lastCode, lastReason = verdict.code, verdict.reason
		reviewNotes = verdict.note
		genNotes = ""
		_ = w.Store.RecordError("", planID, verdict.code, verdict.reason, map[string]any{
			"attempt": attempt,
			"score":   verdict.score,
		})
		_ = w.Store.SetPlanStatus(planID, model.PlanStatusSuperseded)
	}
	if lastCode == "" {
		lastCode, lastReason = model.ErrMaxAttemptsExceeded, "no plan attempt produced an approvable graph"
	}
	return nil, &WorkflowError{Attempts: w.Runtime.MaxPlanAttempts, LastCode: lastCode, LastReason: lastReason}
}

type genError struct {
	code        model.ErrorCode
	reason      string
	contractErr *contract.ContractError
}

func (e *genError) Error() string { return fmt.Sprintf("%s: %s", e.code, e.reason) }

// generate performs one PLAN_GEN call and contract pass.
func (w *Workflow) generate(ctx context.Context, planID, topTask, reviewNotes, genNotes string) (map[string]any, error) {
	p := w.Prompts.BuildPlanPrompt(topTask, w.Constraints, w.Skills, reviewNotes, genNotes)
	res := w.LLM.CallJSON(ctx, llm.Request{
		PlanID:   planID,
		Role:     model.OwnerExecutor,
		Contract: "PLAN_GEN",
		System:   w.Prompts.Shared.Content,
		Prompt:   p,
	})
	if res.ErrorCode != "" {
		reason := "plan generation call failed"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		_ = w.Store.RecordError("", planID, res.ErrorCode, reason, nil)
		if res.ErrorCode == model.ErrMaxLLMCallsExceeded {
			return nil, fmt.Errorf("plan generation: %w", llm.ErrBudgetExhausted)
		}
		return nil, &genError{code: res.ErrorCode, reason: reason}
	}

	doc, cerr := contract.NormalizeAndValidate("PLAN_GEN", res.Parsed, contract.Context{
		TopTask: topTask,
		NowISO:  util.NowISO,
	})
	if cerr != nil {
		_ = w.Store.RecordError("", planID, model.ErrContractMismatch, cerr.Short(), cerr.ToMap())
		return nil, &genError{code: model.ErrContractMismatch, reason: cerr.Short(), contractErr: cerr}
	}
	return doc, nil
}

type reviewVerdict struct {
	pass   bool
	score  int
	code   model.ErrorCode
	reason string
	note   string
}

// review runs the bounded review loop over one candidate document. The
// candidate is never abandoned early: every review attempt is spent
// before the caller may regenerate.
func (w *Workflow) review(ctx context.Context, planID string, doc map[string]any) (map[string]any, reviewVerdict) {
	log := logging.Get(logging.CategoryPlan)
	verdict := reviewVerdict{code: model.ErrReviewerFailed, reason: "no review completed"}
	var lastReview map[string]any

	for rAttempt := 1; rAttempt <= w.Runtime.MaxReviewAttemptsPerPlan; rAttempt++ {
		if ctx.Err() != nil {
			verdict.reason = ctx.Err().Error()
			return lastReview, verdict
		}
		p := w.Prompts.BuildPlanReviewPrompt(planID, planReviewRubric, doc)
		res := w.LLM.CallJSON(ctx, llm.Request{
			PlanID:   planID,
			Role:     model.OwnerReviewer,
			Contract: "PLAN_REVIEW",
			System:   w.Prompts.Shared.Content,
			Prompt:   p,
		})
		if res.ErrorCode != "" {
			reason := "plan review call failed"
			if res.Err != nil {
				reason = res.Err.Error()
			}
			verdict.code, verdict.reason = model.ErrReviewerFailed, reason
			_ = w.Store.RecordError("", planID, res.ErrorCode, reason, map[string]any{"review_attempt": rAttempt})
			if res.ErrorCode == model.ErrMaxLLMCallsExceeded {
				return lastReview, verdict
			}
			continue
		}

		rev, cerr := contract.NormalizeAndValidate("PLAN_REVIEW", res.Parsed, contract.Context{NowISO: util.NowISO})
		if cerr != nil {
			verdict.code, verdict.reason = model.ErrReviewerBadOutput, cerr.Short()
			_ = w.Store.RecordError("", planID, model.ErrReviewerBadOutput, cerr.Short(), cerr.ToMap())
			continue
		}
		lastReview = rev

		score := intval(rev["total_score"], 0)
		action, _ := rev["action_required"].(string)
		_ = w.Store.AppendEvent(&model.Event{
			PlanID:    planID,
			EventType: model.EventReview,
			Payload: map[string]any{
				"review_target":   contract.ReviewTargetPlan,
				"total_score":     score,
				"action_required": action,
				"review_attempt":  rAttempt,
			},
		})
		if score >= w.Runtime.PlanReviewPassScore && action == contract.ActionApprove {
			verdict.pass = true
			verdict.score = score
			verdict.code, verdict.reason = "", ""
			return rev, verdict
		}

		verdict.score = score
		verdict.code = model.ErrMaxAttemptsExceeded
		verdict.reason = fmt.Sprintf("plan rejected with score %d (%s)", score, action)
		verdict.note = remediationNote(rev)
		log.Infow("plan rejected", "plan_id", planID, "score", score, "review_attempt", rAttempt)
	}
	return lastReview, verdict
}

// recordApproval stores the passing review and closes the plan-level
// CHECK node when the generated graph carries one.
func (w *Workflow) recordApproval(planID string, g *Graph, review map[string]any, verdict reviewVerdict) {
	rev := &model.Review{
		ReviewTargetTaskID: g.Plan.RootTaskID,
		Reviewer:           string(model.OwnerReviewer),
		TotalScore:         verdict.score,
		Verdict:            model.VerdictApproved,
	}
	if review != nil {
		rev.Summary, _ = review["summary"].(string)
		rev.Breakdown = maps(review["breakdown"])
		rev.Suggestions = maps(review["suggestions"])
	}
	for _, n := range g.Nodes {
		if n.NodeType == model.NodeCheck && n.HasTag("plan_review") {
			rev.CheckTaskID = n.TaskID
			_ = w.Store.SetStatus(n.TaskID, model.StatusDone, "")
			break
		}
	}
	_ = w.Store.InsertReview(rev)
	_ = w.Store.InsertApproval(planID, g.Plan.RootTaskID, rev.Reviewer,
		fmt.Sprintf("plan approved with score %d", verdict.score))
}

// remediationNote condenses a rejecting review into a bounded note for
// the next generation prompt.
func remediationNote(review map[string]any) string {
	var parts []string
	if s, ok := review["summary"].(string); ok && strings.TrimSpace(s) != "" {
		parts = append(parts, strings.TrimSpace(s))
	}
	for _, sug := range maps(review["suggestions"]) {
		change, _ := sug["change"].(string)
		if strings.TrimSpace(change) == "" {
			continue
		}
		prio, _ := sug["priority"].(string)
		if prio != "" {
			parts = append(parts, fmt.Sprintf("[%s] %s", prio, strings.TrimSpace(change)))
		} else {
			parts = append(parts, strings.TrimSpace(change))
		}
		if len(parts) >= 6 {
			break
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return util.Truncate(strings.Join(parts, " | "), remediationNoteLimit)
}

// remediationFromContract turns a contract failure into generation
// feedback so the next attempt can self-correct the shape.
func remediationFromContract(cerr *contract.ContractError, fallback string) string {
	if cerr == nil {
		return util.Truncate(fallback, remediationNoteLimit)
	}
	note := fmt.Sprintf("Previous output failed validation at %s: expected %s, got %s. Example fix: %s",
		cerr.JSONPath, cerr.Expected, cerr.Actual, cerr.ExampleFix)
	return util.Truncate(note, remediationNoteLimit)
}
