package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"taskloom/internal/executor"
	"taskloom/internal/gate"
	"taskloom/internal/inputs"
	"taskloom/internal/llm"
	"taskloom/internal/orchestrator"
	"taskloom/internal/plan"
	"taskloom/internal/readiness"
	"taskloom/internal/scheduler"
	"taskloom/internal/skill"
)

var (
	planDeadline string
	planPriority string
	runWatch     bool
)

var createPlanCmd = &cobra.Command{
	Use:   "create-plan <top task>",
	Short: "Generate and review a task graph for a top-level task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		transport, err := newTransport(cmd.Context())
		if err != nil {
			return err
		}
		client := llm.NewClient(transport, e.store, e.rt)

		constraints := map[string]any{}
		if planDeadline != "" {
			constraints["deadline"] = planDeadline
		}
		if planPriority != "" {
			constraints["priority"] = strings.ToUpper(planPriority)
		}

		wf := &plan.Workflow{
			Store:       e.store,
			LLM:         client,
			Prompts:     e.prompts,
			Runtime:     e.rt,
			WS:          e.ws,
			Skills:      e.reg.Names(),
			Constraints: constraints,
		}
		p, err := wf.Run(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			if _, ok := err.(*plan.WorkflowError); ok {
				return &userError{msg: err.Error()}
			}
			return err
		}
		fmt.Printf("plan created: %s\n  title: %s\n  plan file: %s\n", p.PlanID, p.Title, e.ws.PlanPath())
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Work the plan until it completes, blocks or hits a budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		p, err := e.resolvePlan()
		if err != nil {
			return err
		}
		transport, err := newTransport(cmd.Context())
		if err != nil {
			return err
		}

		orch := buildOrchestrator(e, transport)
		for {
			res, err := orch.Run(cmd.Context(), p.PlanID)
			if err != nil {
				return err
			}
			fmt.Printf("run finished: %s after %d iterations, %d llm calls, %s\n",
				res.Outcome, res.Iterations, res.LLMCalls, res.Elapsed.Round(1e9))

			switch res.Outcome {
			case orchestrator.OutcomeAllBlocked:
				printBlockedSummary(e, p.PlanID)
				if runWatch {
					if err := waitForInputs(cmd.Context(), e); err != nil {
						return err
					}
					continue
				}
				return &userError{msg: "every remaining task is waiting on you; see the summary above"}
			case orchestrator.OutcomeFailed:
				return &userError{msg: "the plan failed; inspect `loom errors` and consider `loom rewrite`"}
			}
			return nil
		}
	},
}

// waitForInputs blocks until the input directories change.
func waitForInputs(ctx context.Context, e *env) error {
	w, err := inputs.NewWatcher(e.ws.InputsDir(), e.ws.BaselineInputsDir())
	if err != nil {
		return err
	}
	defer w.Close()
	go w.Run(ctx)
	fmt.Println("watching for new input files...")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.Changes():
		return nil
	}
}

func buildOrchestrator(e *env, transport llm.Transport) *orchestrator.Orchestrator {
	client := llm.NewClient(transport, e.store, e.rt)
	sched := scheduler.New(e.store, e.rt)
	runner := skill.NewRunner(e.store, e.reg, e.ws, e.rt)
	return &orchestrator.Orchestrator{
		Store:     e.store,
		Scanner:   e.newScanner(),
		Readiness: readiness.NewEngine(e.store, e.ws),
		Executor: &executor.Executor{
			Store:    e.store,
			LLM:      client,
			Prompts:  e.prompts,
			Skills:   runner,
			Registry: e.reg,
			Sched:    sched,
			Runtime:  e.rt,
			WS:       e.ws,
		},
		Gate: &gate.Gate{
			Store:   e.store,
			LLM:     client,
			Prompts: e.prompts,
			Sched:   sched,
			Runtime: e.rt,
		},
		LLM:     client,
		Runtime: e.rt,
	}
}

func printBlockedSummary(e *env, planID string) {
	st, err := e.reporter().BuildStatus(planID)
	if err != nil || len(st.Blocked) == 0 {
		return
	}
	fmt.Println("\nwaiting on you:")
	for _, t := range st.Blocked {
		fmt.Printf("  - %s (%s)\n", t.Title, t.Reason)
		if t.RequiredDocs != "" {
			fmt.Printf("    what to provide: %s\n", t.RequiredDocs)
		}
		if t.Hint != "" {
			fmt.Printf("    hint: %s\n", t.Hint)
		}
	}
}

func init() {
	createPlanCmd.Flags().StringVar(&planDeadline, "deadline", "", "plan deadline (ISO date)")
	createPlanCmd.Flags().StringVar(&planPriority, "priority", "", "plan priority: LOW|MED|HIGH")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "keep running and rescan when input files change")
	rootCmd.AddCommand(createPlanCmd, runCmd)
}
