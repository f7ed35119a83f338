package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskloom/internal/config"
	"taskloom/internal/model"
	"taskloom/internal/store"
)

func newPromptEnv(t *testing.T) (config.Workspace, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return config.NewWorkspace(t.TempDir()), st
}

func TestLoadRegistersDefaultsOnce(t *testing.T) {
	ws, st := newPromptEnv(t)

	first, err := Load(ws, st)
	require.NoError(t, err)
	for _, d := range []Doc{first.Shared, first.Executor, first.Reviewer, first.SecondaryReviewer} {
		assert.Equal(t, 1, d.Version, d.Name)
		assert.NotEmpty(t, d.SHA256, d.Name)
		assert.NotEmpty(t, d.Content, d.Name)
	}

	// Reloading identical content reuses the registered versions.
	second, err := Load(ws, st)
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("bundle changed across identical loads (-first +second):\n%s", diff)
	}
}

func TestLoadPrefersWorkspaceOverride(t *testing.T) {
	ws, st := newPromptEnv(t)
	dir := filepath.Join(ws.Root, "prompts")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	override := "ROLE: executor.\nAlways answer in French.\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "executor.md"), []byte(override), 0o644))

	b, err := Load(ws, st)
	require.NoError(t, err)
	assert.Equal(t, override, b.Executor.Content)
	assert.Equal(t, 1, b.Executor.Version)
	// The other roles still fall back to the built-ins.
	assert.Equal(t, sharedDefault, b.Shared.Content)

	// Editing the override allocates the next version.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "executor.md"), []byte(override+"Be brief.\n"), 0o644))
	b2, err := Load(ws, st)
	require.NoError(t, err)
	assert.Equal(t, 2, b2.Executor.Version)
	assert.NotEqual(t, b.Executor.SHA256, b2.Executor.SHA256)
}

func TestLoadIgnoresBlankOverride(t *testing.T) {
	ws, st := newPromptEnv(t)
	dir := filepath.Join(ws.Root, "prompts")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reviewer.md"), []byte("   \n\n"), 0o644))

	b, err := Load(ws, st)
	require.NoError(t, err)
	assert.Equal(t, reviewerDefault, b.Reviewer.Content)
}

func TestBuildTaskPromptEmbedsContext(t *testing.T) {
	ws, st := newPromptEnv(t)
	b, err := Load(ws, st)
	require.NoError(t, err)

	p := b.BuildTaskPrompt(TaskContext{
		Plan:     &model.Plan{Title: "quarterly report", RootTaskID: "root-1"},
		RootGoal: &model.TaskNode{TaskID: "root-1", Title: "deliver the report"},
		Task:     &model.TaskNode{TaskID: "act-1", Title: "write the summary", Status: model.StatusReady},
		Requirements: []*model.InputRequirement{{
			RequirementID: "req-1", Name: "sales_figures", Kind: model.ReqFile,
			Required: true, MinCount: 1, AllowedTypes: []string{"csv"}, Source: model.SourceUser,
		}},
		Snippets:    []string{"month,revenue"},
		Suggestions: "[HIGH] Add a sources section",
	})

	assert.True(t, strings.HasPrefix(p, strings.TrimSpace(b.Shared.Content)))
	assert.Contains(t, p, "RUNTIME_CONTEXT_JSON:")
	assert.Contains(t, p, `"contract": "TASK_ACTION"`)
	assert.Contains(t, p, `"title": "write the summary"`)
	assert.Contains(t, p, `"name": "sales_figures"`)
	assert.Contains(t, p, "[HIGH] Add a sources section")
}

func TestBuildCheckPromptPicksRoleByOwner(t *testing.T) {
	ws, st := newPromptEnv(t)
	b, err := Load(ws, st)
	require.NoError(t, err)

	check := &model.TaskNode{TaskID: "chk-1", Title: "review the summary"}
	target := &model.TaskNode{TaskID: "act-1", Title: "write the summary"}

	primary := b.BuildCheckPrompt(model.OwnerReviewer, "plan-1", check, target, nil, nil)
	assert.Contains(t, primary, `"contract": "TASK_CHECK"`)
	assert.Contains(t, primary, "ROLE: reviewer.")

	secondary := b.BuildCheckPrompt(model.OwnerSecondaryReviewer, "plan-1", check, target, nil, nil)
	assert.Contains(t, secondary, "ROLE: secondary reviewer.")
	assert.NotContains(t, secondary, "ROLE: reviewer.\n")
}

func TestBuildPlanPromptsCarryContractMarks(t *testing.T) {
	ws, st := newPromptEnv(t)
	b, err := Load(ws, st)
	require.NoError(t, err)

	gen := b.BuildPlanPrompt("organize the launch", nil, []string{"text_extract"}, "", "")
	assert.Contains(t, gen, `"contract": "PLAN_GEN"`)
	assert.Contains(t, gen, `"top_task": "organize the launch"`)

	review := b.BuildPlanReviewPrompt("plan-1", map[string]any{"clarity": 40}, map[string]any{"nodes": []any{}})
	assert.Contains(t, review, `"contract": "PLAN_REVIEW"`)
	assert.Contains(t, review, `"review_target": "PLAN"`)
}
