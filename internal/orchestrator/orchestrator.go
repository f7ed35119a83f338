// Package orchestrator drives the engine: each iteration rescans
// inputs, recomputes readiness, runs an executor round and a check
// round, and stops on completion, exhaustion or a budget. The loop is
// bounded in iterations, wall time and model calls; it can always be
// resumed because every step works off persistent state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskloom/internal/config"
	"taskloom/internal/executor"
	"taskloom/internal/gate"
	"taskloom/internal/inputs"
	"taskloom/internal/llm"
	"taskloom/internal/logging"
	"taskloom/internal/model"
	"taskloom/internal/readiness"
	"taskloom/internal/store"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeCompleted  Outcome = "COMPLETED"
	OutcomeFailed     Outcome = "FAILED"
	OutcomeAllBlocked Outcome = "ALL_BLOCKED"
	OutcomeBudget     Outcome = "BUDGET_EXHAUSTED"
	OutcomeTimeout    Outcome = "TIMEOUT"
	OutcomeCancelled  Outcome = "CANCELLED"
)

// RunResult summarizes one orchestrator run.
type RunResult struct {
	Outcome    Outcome
	Iterations int
	LLMCalls   int
	Elapsed    time.Duration
}

// Orchestrator wires the per-iteration components together.
type Orchestrator struct {
	Store     *store.Store
	Scanner   *inputs.Scanner
	Readiness *readiness.Engine
	Executor  *executor.Executor
	Gate      *gate.Gate
	LLM       *llm.Client
	Runtime   config.Runtime
}

// Run works planID until a terminal condition. Safe to call again on
// the same plan after inputs arrive or budgets are raised.
func (o *Orchestrator) Run(ctx context.Context, planID string) (RunResult, error) {
	log := logging.Get(logging.CategoryOrchestrator)
	g := o.Runtime.Guardrails
	start := time.Now()
	deadline := start.Add(time.Duration(g.MaxPlanRuntimeSeconds) * time.Second)

	result := RunResult{}
	finish := func(outcome Outcome) (RunResult, error) {
		result.Outcome = outcome
		result.LLMCalls = o.LLM.CallsMade()
		result.Elapsed = time.Since(start)
		log.Infow("run finished", "plan_id", planID, "outcome", string(outcome),
			"iterations", result.Iterations, "llm_calls", result.LLMCalls)
		return result, nil
	}

	for result.Iterations < g.MaxRunIterations {
		if ctx.Err() != nil {
			return finish(OutcomeCancelled)
		}
		if time.Now().After(deadline) {
			_ = o.Store.RecordError("", planID, model.ErrPlanTimeout,
				fmt.Sprintf("run exceeded %d seconds", g.MaxPlanRuntimeSeconds),
				map[string]any{"hint": "resume the run; completed work is persisted"})
			return finish(OutcomeTimeout)
		}
		result.Iterations++

		if _, err := o.Scanner.ScanAndBind(ctx, planID); err != nil {
			return result, err
		}
		if _, err := o.Scanner.DetectRemoved(planID); err != nil {
			return result, err
		}
		if err := o.Readiness.Recompute(planID); err != nil {
			return result, err
		}

		worked, err := o.Executor.RunRound(ctx, planID)
		if err != nil {
			if errors.Is(err, llm.ErrBudgetExhausted) {
				return finish(OutcomeBudget)
			}
			return result, err
		}
		gated, err := o.Gate.RunRound(ctx, planID)
		if err != nil {
			if errors.Is(err, llm.ErrBudgetExhausted) {
				return finish(OutcomeBudget)
			}
			return result, err
		}
		if err := o.Readiness.Recompute(planID); err != nil {
			return result, err
		}

		state, err := o.planState(planID)
		if err != nil {
			return result, err
		}
		switch state {
		case model.StatusDone:
			return finish(OutcomeCompleted)
		case model.StatusFailed:
			return finish(OutcomeFailed)
		}
		if g.MaxLLMCallsPerRun > 0 && o.LLM.CallsMade() >= g.MaxLLMCallsPerRun {
			return finish(OutcomeBudget)
		}

		if worked == 0 && len(gated) == 0 {
			stalled, err := o.allBlocked(planID)
			if err != nil {
				return result, err
			}
			if stalled {
				return finish(OutcomeAllBlocked)
			}
		}
	}
	return finish(OutcomeBudget)
}

// planState reads the root goal's status.
func (o *Orchestrator) planState(planID string) (model.Status, error) {
	plan, err := o.Store.GetPlan(planID)
	if err != nil {
		return "", err
	}
	if plan.RootTaskID == "" {
		return model.StatusPending, nil
	}
	root, err := o.Store.GetTask(plan.RootTaskID)
	if err != nil {
		return "", err
	}
	return root.Status, nil
}

// allBlocked reports whether no active task can make progress without
// outside intervention.
func (o *Orchestrator) allBlocked(planID string) (bool, error) {
	tasks, err := o.Store.ListTasks(planID)
	if err != nil {
		return false, err
	}
	byID := map[string]*model.TaskNode{}
	for _, t := range tasks {
		byID[t.TaskID] = t
	}
	sawOpen := false
	for _, t := range tasks {
		if !t.ActiveBranch || t.Status.Terminal() || t.NodeType == model.NodeGoal {
			continue
		}
		sawOpen = true
		switch t.Status {
		case model.StatusBlocked:
		case model.StatusReady:
			// A ready CHECK can only move once its target has a
			// candidate; until then it waits like everything else.
			if t.NodeType == model.NodeCheck && t.ReviewTargetTaskID != "" {
				target := byID[t.ReviewTargetTaskID]
				if target == nil || target.Status != model.StatusReadyToCheck || target.ActiveArtifactID == "" {
					continue
				}
			}
			return false, nil
		case model.StatusReadyToCheck, model.StatusToBeModify, model.StatusInProgress:
			return false, nil
		case model.StatusPending:
			// A pending task may become ready later only if something
			// else still moves; on a quiet iteration it is stuck too.
		}
	}
	return sawOpen, nil
}
