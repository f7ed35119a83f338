// Package gate runs CHECK nodes. A check is claimed with an atomic
// status flip, pins the candidate artifact it reviews, and records its
// verdict under an idempotency key so concurrent or repeated runs can
// never double-review the same candidate.
package gate

import (
	"context"
	"errors"
	"fmt"
	"os"

	"taskloom/internal/config"
	"taskloom/internal/contract"
	"taskloom/internal/llm"
	"taskloom/internal/logging"
	"taskloom/internal/model"
	"taskloom/internal/prompt"
	"taskloom/internal/scheduler"
	"taskloom/internal/store"
	"taskloom/internal/util"
)

// artifactPromptLimit caps artifact content included in review prompts.
const artifactPromptLimit = 20000

// Outcome classifies one gate pass over a CHECK node.
type Outcome string

const (
	OutcomeSkippedLock     Outcome = "SKIPPED_LOCK_NOT_ACQUIRED"
	OutcomeSkippedTarget   Outcome = "SKIPPED_TARGET_NOT_READY"
	OutcomeAlreadyReviewed Outcome = "ALREADY_REVIEWED"
	OutcomeApproved        Outcome = "APPROVED"
	OutcomeRejected        Outcome = "REJECTED"
	OutcomeStale           Outcome = "STALE_REVIEW"
	OutcomeRetry           Outcome = "RETRY"
	OutcomeBlocked         Outcome = "BLOCKED"
)

// Result reports what one gate pass did.
type Result struct {
	CheckTaskID string
	Outcome     Outcome
	Score       int
	ReviewID    string
}

// Gate reviews candidate artifacts through CHECK nodes.
type Gate struct {
	Store   *store.Store
	LLM     *llm.Client
	Prompts *prompt.Bundle
	Sched   *scheduler.Scheduler
	Runtime config.Runtime
}

// checkReviewRubric scores one artifact against its task.
var checkReviewRubric = map[string]any{
	"dimensions": []any{
		map[string]any{"name": "correctness", "weight": 40, "question": "Does the artifact satisfy the task's goal?"},
		map[string]any{"name": "completeness", "weight": 30, "question": "Is anything the task asked for missing?"},
		map[string]any{"name": "acceptance", "weight": 20, "question": "Does each acceptance criterion hold?"},
		map[string]any{"name": "quality", "weight": 10, "question": "Is the artifact usable as delivered?"},
	},
	"pass_score": contract.ApproveScoreThreshold,
}

// RunRound claims and reviews one batch of ready CHECK nodes.
func (g *Gate) RunRound(ctx context.Context, planID string) ([]Result, error) {
	batch, err := g.Sched.CheckBatch(planID)
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, check := range batch {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := g.RunCheck(ctx, check)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// RunCheck performs one full gate pass over a CHECK node.
func (g *Gate) RunCheck(ctx context.Context, check *model.TaskNode) (Result, error) {
	log := logging.Get(logging.CategoryGate)
	result := Result{CheckTaskID: check.TaskID}

	locked, err := g.Store.TryLockCheck(check.TaskID)
	if err != nil {
		return result, err
	}
	if !locked {
		result.Outcome = OutcomeSkippedLock
		return result, nil
	}

	if check.ReviewTargetTaskID == "" {
		return g.parkMissingTarget(check, &result, "check has no review target bound",
			map[string]any{"check_task_id": check.TaskID})
	}

	// The candidate is pinned while the lock is held; later artifact
	// versions cannot change what this review is about.
	target, err := g.Store.GetTask(check.ReviewTargetTaskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		return g.parkMissingTarget(check, &result, "review target does not exist",
			map[string]any{"review_target_task_id": check.ReviewTargetTaskID})
	}
	if err != nil {
		return result, err
	}
	if target.Status != model.StatusReadyToCheck || target.ActiveArtifactID == "" {
		if err := g.Store.SetStatus(check.TaskID, model.StatusReady, ""); err != nil {
			return result, err
		}
		result.Outcome = OutcomeSkippedTarget
		return result, nil
	}
	pinned := target.ActiveArtifactID

	key := util.HashParts(check.TaskID, pinned)
	if prev, err := g.Store.ReviewByIdempotencyKey(key); err != nil {
		return result, err
	} else if prev != nil {
		// Idempotent no-op: the verdict for this candidate is already on
		// record, so nothing changes; the check just releases its claim.
		log.Infow("candidate already reviewed", "check_task_id", check.TaskID, "artifact_id", pinned)
		if err := g.Store.SetStatus(check.TaskID, model.StatusReady, ""); err != nil {
			return result, err
		}
		result.Outcome = OutcomeAlreadyReviewed
		result.ReviewID = prev.ReviewID
		return result, nil
	}

	review, outcome, err := g.callReviewer(ctx, check, target, pinned)
	if err != nil {
		return result, err
	}
	if review == nil {
		result.Outcome = outcome
		return result, nil
	}

	score := coerceScore(review["total_score"])
	// The reviewer's declared action is the verdict; the score threshold
	// only decides when no usable action came back.
	verdict := model.VerdictRejected
	switch action, _ := review["action_required"].(string); action {
	case contract.ActionApprove:
		verdict = model.VerdictApproved
	case contract.ActionModify, contract.ActionRequestExternalInput:
	default:
		if score >= contract.ApproveScoreThreshold {
			verdict = model.VerdictApproved
		}
	}

	rec := &model.Review{
		CheckTaskID:        check.TaskID,
		ReviewTargetTaskID: target.TaskID,
		ReviewedArtifactID: pinned,
		Reviewer:           string(check.Owner),
		TotalScore:         score,
		Verdict:            verdict,
		IdempotencyKey:     key,
	}
	rec.Summary, _ = review["summary"].(string)
	rec.Breakdown = mapSlice(review["breakdown"])
	rec.Suggestions = mapSlice(review["suggestions"])
	rec.AcceptanceResults = mapSlice(review["acceptance_results"])
	if err := g.Store.InsertReview(rec); err != nil {
		return result, err
	}
	result.ReviewID = rec.ReviewID
	result.Score = score

	_ = g.Store.AppendEvent(&model.Event{
		TaskID:    check.TaskID,
		PlanID:    check.PlanID,
		EventType: model.EventReview,
		Payload: map[string]any{
			"review_id":            rec.ReviewID,
			"review_target":        target.TaskID,
			"reviewed_artifact_id": pinned,
			"total_score":          score,
			"verdict":              string(verdict),
		},
	})

	if verdict == model.VerdictApproved {
		// The approval belongs to the pinned version no matter what
		// happened since; the pointer lands before the staleness check.
		if err := g.Store.SetApprovedArtifact(target.TaskID, pinned); err != nil {
			return result, err
		}
		// Re-read the target under the approval: a newer candidate
		// invalidates this verdict without consuming the new one.
		fresh, err := g.Store.GetTask(target.TaskID)
		if err != nil {
			return result, err
		}
		if fresh.ActiveArtifactID != pinned {
			_ = g.Store.RecordError(check.TaskID, check.PlanID, model.ErrStaleReview,
				"approved artifact superseded before approval applied",
				map[string]any{"reviewed_artifact_id": pinned, "active_artifact_id": fresh.ActiveArtifactID})
			// The newer candidate still needs its own review.
			if err := g.Store.SetStatus(target.TaskID, model.StatusReadyToCheck, ""); err != nil {
				return result, err
			}
			result.Outcome = OutcomeStale
		} else {
			if err := g.Store.SetStatus(target.TaskID, model.StatusDone, ""); err != nil {
				return result, err
			}
			result.Outcome = OutcomeApproved
		}
	} else {
		if err := g.Store.SetStatus(target.TaskID, model.StatusToBeModify, ""); err != nil {
			return result, err
		}
		result.Outcome = OutcomeRejected
	}

	// The check completes either way; readiness re-arms it when a new
	// candidate shows up.
	if err := g.Store.SetStatus(check.TaskID, model.StatusDone, ""); err != nil {
		return result, err
	}
	log.Infow("check complete", "check_task_id", check.TaskID, "outcome", string(result.Outcome), "score", score)
	return result, nil
}

// callReviewer performs the reviewer call and contract pass. A nil
// review means the check was re-armed or parked; the outcome says which.
func (g *Gate) callReviewer(ctx context.Context, check, target *model.TaskNode, pinned string) (map[string]any, Outcome, error) {
	artifacts, err := g.artifactContext(check, pinned)
	if err != nil {
		return nil, "", err
	}
	p := g.Prompts.BuildCheckPrompt(check.Owner, check.PlanID, check, target, checkReviewRubric, artifacts)
	res := g.LLM.CallJSON(ctx, llm.Request{
		PlanID:   check.PlanID,
		TaskID:   check.TaskID,
		Role:     check.Owner,
		Contract: "TASK_CHECK",
		System:   g.Prompts.Shared.Content,
		Prompt:   p,
	})
	if res.ErrorCode != "" {
		reason := "reviewer call failed"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		code := model.ErrReviewerFailed
		if res.ErrorCode == model.ErrLLMUnparseable {
			code = model.ErrReviewerBadOutput
		}
		outcome, err := g.retryOrPark(check, code, reason)
		return nil, outcome, err
	}

	review, cerr := contract.NormalizeAndValidate("TASK_CHECK", res.Parsed, contract.Context{
		TaskID: check.TaskID,
		NowISO: util.NowISO,
	})
	if cerr != nil {
		outcome, err := g.retryOrPark(check, model.ErrContractMismatch, cerr.Short())
		return nil, outcome, err
	}
	return review, "", nil
}

// retryOrPark charges one check attempt. Within budget the check goes
// back to READY; past it the check parks with a hint for the operator.
func (g *Gate) retryOrPark(check *model.TaskNode, code model.ErrorCode, reason string) (Outcome, error) {
	attempts, err := g.Store.IncrementAttempts(check.TaskID)
	if err != nil {
		return "", err
	}
	if attempts >= g.Runtime.MaxCheckAttemptsV2 {
		hint := fmt.Sprintf("review failed %d times (%s); inspect the reviewer output and run the check again or approve manually", attempts, code)
		_ = g.Store.RecordError(check.TaskID, check.PlanID, code, reason, map[string]any{
			"hint":     hint,
			"attempts": attempts,
		})
		if err := g.Store.SetStatus(check.TaskID, model.StatusBlocked, model.WaitingExternal); err != nil {
			return "", err
		}
		return OutcomeBlocked, nil
	}
	_ = g.Store.RecordError(check.TaskID, check.PlanID, code, reason, map[string]any{"attempts": attempts})
	if err := g.Store.SetStatus(check.TaskID, model.StatusReady, ""); err != nil {
		return "", err
	}
	return OutcomeRetry, nil
}

// parkMissingTarget blocks a check whose review target cannot be
// resolved; there is nothing to retry until an operator rebinds it.
func (g *Gate) parkMissingTarget(check *model.TaskNode, result *Result, reason string, ctx map[string]any) (Result, error) {
	_ = g.Store.RecordError(check.TaskID, check.PlanID, model.ErrInputMissing, reason, ctx)
	if err := g.Store.SetStatus(check.TaskID, model.StatusBlocked, model.WaitingInput); err != nil {
		return *result, err
	}
	result.Outcome = OutcomeBlocked
	return *result, nil
}

// artifactContext loads the pinned artifact for the review prompt.
func (g *Gate) artifactContext(check *model.TaskNode, artifactID string) ([]map[string]any, error) {
	art, err := g.Store.GetArtifact(artifactID)
	if err != nil {
		return nil, err
	}
	entry := map[string]any{
		"artifact_id": art.ArtifactID,
		"name":        art.Name,
		"format":      art.Format,
		"version":     art.Version,
		"sha256":      art.SHA256,
	}
	if data, err := os.ReadFile(art.Path); err == nil {
		entry["content"] = util.Truncate(string(data), artifactPromptLimit)
	} else {
		// The review proceeds on metadata alone, but the gap is on record.
		_ = g.Store.RecordError(check.TaskID, check.PlanID, model.ErrInputMissing,
			"artifact file unreadable", map[string]any{"artifact_id": artifactID, "path": art.Path})
	}
	return []map[string]any{entry}, nil
}

func coerceScore(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case float64:
		return int(x)
	}
	return 0
}

func mapSlice(v any) []map[string]any {
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
