// loom is the workflow engine CLI: it creates plans, runs the
// orchestrator loop over them and exposes the engine's state for
// inspection and repair.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"taskloom/internal/config"
	"taskloom/internal/inputs"
	"taskloom/internal/llm"
	"taskloom/internal/logging"
	"taskloom/internal/model"
	"taskloom/internal/observe"
	"taskloom/internal/prompt"
	"taskloom/internal/skill"
	"taskloom/internal/store"
)

// Exit codes: 0 success, 1 the user must act, 2 internal failure.
const (
	exitOK       = 0
	exitUser     = 1
	exitInternal = 2
)

var (
	rootDir string
	planArg string
	debug   bool
)

// userError carries a failure the user can fix themselves.
type userError struct{ msg string }

func (e *userError) Error() string { return e.msg }

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - multi-agent task workflow engine",
	Long: `loom plans a top-level task into a reviewed task graph, then works
the graph with executor and reviewer agents until the deliverables are
ready. All state lives in the project directory; every command can be
re-run safely.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ws := config.NewWorkspace(rootDir)
		return logging.Initialize(ws.LogsDir(), debug)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var ue *userError
		if errors.As(err, &ue) {
			fmt.Fprintln(os.Stderr, "error:", ue.msg)
			os.Exit(exitUser)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitInternal)
	}
	os.Exit(exitOK)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "r", ".", "project root directory")
	rootCmd.PersistentFlags().StringVar(&planArg, "plan", "", "plan id (defaults to the latest plan)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")
}

// env is everything a command needs once the store is open.
type env struct {
	ws      config.Workspace
	rt      config.Runtime
	store   *store.Store
	reg     *skill.Registry
	prompts *prompt.Bundle
}

// configWorkspace resolves the layout without opening the store.
func configWorkspace() config.Workspace {
	return config.NewWorkspace(rootDir)
}

// openEnv opens the workspace. Commands must call e.Close when done.
func openEnv() (*env, error) {
	ws := config.NewWorkspace(rootDir)
	if err := ws.EnsureDirs(); err != nil {
		return nil, err
	}
	rt, err := config.LoadRuntime(ws.RuntimeConfigPath())
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ws.DBPath())
	if err != nil {
		return nil, err
	}
	reg, err := skill.LoadRegistry(ws.SkillsRegistryPath())
	if err != nil {
		st.Close()
		return nil, err
	}
	prompts, err := prompt.Load(ws, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &env{ws: ws, rt: rt, store: st, reg: reg, prompts: prompts}, nil
}

func (e *env) Close() { _ = e.store.Close() }

// resolvePlan returns the plan named by --plan or the latest one.
func (e *env) resolvePlan() (*model.Plan, error) {
	if planArg != "" {
		p, err := e.store.GetPlan(planArg)
		if errors.Is(err, store.ErrPlanNotFound) {
			return nil, &userError{msg: fmt.Sprintf("plan %s not found", planArg)}
		}
		return p, err
	}
	p, err := e.store.LatestPlan()
	if errors.Is(err, store.ErrPlanNotFound) {
		return nil, &userError{msg: "no plan yet; run create-plan first"}
	}
	return p, err
}

// newTransport builds the model transport from the environment.
func newTransport(ctx context.Context) (llm.Transport, error) {
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		key = os.Getenv("GOOGLE_API_KEY")
	}
	if key == "" {
		return nil, &userError{msg: "GEMINI_API_KEY is not set"}
	}
	return llm.NewGeminiTransport(ctx, llm.GeminiConfig{
		APIKey: key,
		Model:  os.Getenv("LOOM_MODEL"),
	})
}

// newScanner is shared by run and status-adjacent commands.
func (e *env) newScanner() *inputs.Scanner {
	return inputs.NewScanner(e.store, e.ws)
}

func (e *env) reporter() *observe.Reporter {
	return &observe.Reporter{Store: e.store, WS: e.ws}
}
