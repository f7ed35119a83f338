package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskloom/internal/config"
	"taskloom/internal/model"
	"taskloom/internal/store"
)

func testRuntime() config.Runtime {
	rt := config.DefaultRuntime()
	rt.Guardrails.MaxLLMCallsPerRun = 5
	rt.Guardrails.MaxLLMCallsPerTask = 2
	return rt
}

func TestCallJSONParsesFencedObject(t *testing.T) {
	tr := NewScriptedTransport().Enqueue("```json\n{\"result_type\": \"NOOP\"}\n```")
	c := NewClient(tr, nil, testRuntime())

	res := c.CallJSON(context.Background(), Request{Contract: "TASK_ACTION", Prompt: "do it"})
	require.Empty(t, res.ErrorCode)
	assert.Equal(t, "NOOP", res.Parsed["result_type"])
	assert.Equal(t, 1, c.CallsMade())
}

func TestCallJSONClassifiesRefusal(t *testing.T) {
	tr := NewScriptedTransport().Enqueue("I'm sorry, I cannot assist with that request.")
	c := NewClient(tr, nil, testRuntime())

	res := c.CallJSON(context.Background(), Request{Prompt: "p"})
	assert.Equal(t, model.ErrLLMRefusal, res.ErrorCode)
	assert.Nil(t, res.Parsed)
}

func TestCallJSONClassifiesUnparseable(t *testing.T) {
	tr := NewScriptedTransport().Enqueue("here is your plan: step one, step two")
	c := NewClient(tr, nil, testRuntime())

	res := c.CallJSON(context.Background(), Request{Prompt: "p"})
	assert.Equal(t, model.ErrLLMUnparseable, res.ErrorCode)
}

func TestCallTextTransportError(t *testing.T) {
	tr := NewScriptedTransport().Fail(errors.New("boom"))
	c := NewClient(tr, nil, testRuntime())

	res := c.CallText(context.Background(), Request{Prompt: "p"})
	assert.Equal(t, model.ErrLLMFailed, res.ErrorCode)
}

func TestRunBudgetExhaustion(t *testing.T) {
	tr := NewScriptedTransport().Enqueue("{}", "{}", "{}")
	rt := testRuntime()
	rt.Guardrails.MaxLLMCallsPerRun = 2
	rt.Guardrails.MaxLLMCallsPerTask = 0
	c := NewClient(tr, nil, rt)

	for i := 0; i < 2; i++ {
		res := c.CallJSON(context.Background(), Request{Prompt: "p"})
		require.Empty(t, res.ErrorCode)
	}
	res := c.CallJSON(context.Background(), Request{Prompt: "p"})
	assert.Equal(t, model.ErrMaxLLMCallsExceeded, res.ErrorCode)
	assert.ErrorIs(t, res.Err, ErrBudgetExhausted)
	// The transport never saw the refused call.
	assert.Len(t, tr.Requests(), 2)
}

func TestPerTaskBudget(t *testing.T) {
	tr := NewScriptedTransport().Enqueue("{}", "{}", "{}", "{}")
	c := NewClient(tr, nil, testRuntime())

	taskID := "task-1"
	for i := 0; i < 2; i++ {
		res := c.CallJSON(context.Background(), Request{TaskID: taskID, Prompt: "p"})
		require.Empty(t, res.ErrorCode)
	}
	res := c.CallJSON(context.Background(), Request{TaskID: taskID, Prompt: "p"})
	assert.Equal(t, model.ErrMaxLLMCallsExceeded, res.ErrorCode)

	// Other tasks still have budget.
	res = c.CallJSON(context.Background(), Request{TaskID: "task-2", Prompt: "p"})
	assert.Empty(t, res.ErrorCode)
}

func TestTelemetryRecordsExactlyOnce(t *testing.T) {
	st, err := store.OpenMemory()
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.UpsertPlan(&model.Plan{PlanID: "11111111-1111-4111-8111-111111111111", Title: "p"}))

	tr := NewScriptedTransport().Enqueue(`{"ok": true}`, "not json at all")
	c := NewClient(tr, st, testRuntime())

	res := c.CallJSON(context.Background(), Request{PlanID: "11111111-1111-4111-8111-111111111111", Prompt: "a"})
	require.Empty(t, res.ErrorCode)
	assert.NotEmpty(t, res.CallID)

	res = c.CallJSON(context.Background(), Request{PlanID: "11111111-1111-4111-8111-111111111111", Prompt: "b"})
	require.Equal(t, model.ErrLLMUnparseable, res.ErrorCode)

	n, err := st.CountLLMCalls("11111111-1111-4111-8111-111111111111")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestScriptedTransportSubstringRouting(t *testing.T) {
	tr := NewScriptedTransport().
		On(`"contract": "PLAN_GEN"`, `{"plan": {}}`).
		Enqueue(`{"fallback": true}`)
	c := NewClient(tr, nil, testRuntime())

	res := c.CallJSON(context.Background(), Request{Prompt: `ctx "contract": "PLAN_GEN" end`})
	require.Empty(t, res.ErrorCode)
	assert.Contains(t, res.Parsed, "plan")

	res = c.CallJSON(context.Background(), Request{Prompt: "anything else"})
	require.Empty(t, res.ErrorCode)
	assert.Contains(t, res.Parsed, "fallback")
}
