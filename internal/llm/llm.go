// Package llm is the transport layer between the engine and a model
// provider. The Client wraps a Transport with call budgets, response
// truncation, refusal and parse classification, and best-effort call
// telemetry into the store.
package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"taskloom/internal/config"
	"taskloom/internal/logging"
	"taskloom/internal/model"
	"taskloom/internal/store"
	"taskloom/internal/util"
)

// Request describes one model call.
type Request struct {
	PlanID   string
	TaskID   string
	Role     model.Owner
	Contract string
	System   string
	Prompt   string
	// Timeout overrides the default per-call timeout when positive.
	Timeout time.Duration
}

// Result is the classified outcome of one call. ErrorCode is empty on
// success; Parsed is non-nil only for successful JSON calls.
type Result struct {
	CallID    string
	RawText   string
	Parsed    map[string]any
	ErrorCode model.ErrorCode
	Err       error
	Provider  string
	Truncated bool
	StartedAt time.Time
	Finished  time.Time
}

// Transport is the minimal provider surface.
type Transport interface {
	Name() string
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// ErrBudgetExhausted reports a per-run or per-task call budget hit.
var ErrBudgetExhausted = errors.New("llm call budget exhausted")

var refusalHints = []string{
	"i can't help", "i can't comply", "i'm sorry", "cannot comply",
	"i can't do that", "refuse", "cannot assist", "i can't assist",
}

func looksLikeRefusal(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}
	for _, h := range refusalHints {
		if strings.Contains(t, h) {
			return true
		}
	}
	return false
}

// Client mediates every model call the engine makes.
type Client struct {
	transport Transport
	store     *store.Store
	rt        config.Runtime

	mu      sync.Mutex
	perTask map[string]int
	total   int
}

// NewClient returns a Client bound to one transport and one run's budgets.
func NewClient(t Transport, st *store.Store, rt config.Runtime) *Client {
	return &Client{transport: t, store: st, rt: rt, perTask: map[string]int{}}
}

// CallsMade returns the number of calls charged against the run budget.
func (c *Client) CallsMade() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// consumeBudget charges one call against the run and task budgets,
// refusing when either would be exceeded.
func (c *Client) consumeBudget(taskID string) error {
	g := c.rt.Guardrails
	c.mu.Lock()
	defer c.mu.Unlock()
	if g.MaxLLMCallsPerRun > 0 && c.total+1 > g.MaxLLMCallsPerRun {
		return ErrBudgetExhausted
	}
	if taskID != "" && g.MaxLLMCallsPerTask > 0 && c.perTask[taskID]+1 > g.MaxLLMCallsPerTask {
		return ErrBudgetExhausted
	}
	c.total++
	if taskID != "" {
		c.perTask[taskID]++
	}
	return nil
}

// CallText performs one raw text call. Budget hits surface as
// MAX_LLM_CALLS_EXCEEDED without touching the transport.
func (c *Client) CallText(ctx context.Context, req Request) *Result {
	res := c.callText(ctx, req)
	c.record(req, res)
	return res
}

// callText is CallText without telemetry; the caller records exactly once.
func (c *Client) callText(ctx context.Context, req Request) *Result {
	res := &Result{Provider: c.transport.Name(), StartedAt: time.Now().UTC()}

	if err := c.consumeBudget(req.TaskID); err != nil {
		res.ErrorCode = model.ErrMaxLLMCallsExceeded
		res.Err = err
		res.Finished = time.Now().UTC()
		return res
	}

	prompt := req.Prompt
	if max := c.rt.Guardrails.MaxPromptChars; max > 0 && len(prompt) > max {
		prompt = util.Truncate(prompt, max)
		res.Truncated = true
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Duration(c.rt.SkillTimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := c.transport.Generate(callCtx, req.System, prompt)
	res.Finished = time.Now().UTC()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			res.ErrorCode = model.ErrLLMTimeout
		} else {
			res.ErrorCode = model.ErrLLMFailed
		}
		res.Err = err
		return res
	}

	raw = strings.TrimSpace(raw)
	if max := c.rt.Guardrails.MaxResponseChars; max > 0 && len(raw) > max {
		raw = util.Truncate(raw, max)
		res.Truncated = true
	}
	res.RawText = raw
	return res
}

// CallJSON performs one call and requires a JSON object response,
// repairing common model damage before giving up. Empty or non-JSON
// output is classified as refusal or unparseable.
func (c *Client) CallJSON(ctx context.Context, req Request) *Result {
	res := c.callText(ctx, req)
	if res.ErrorCode != "" {
		c.record(req, res)
		return res
	}

	parsed, err := ExtractJSONObject(res.RawText)
	if err != nil {
		if looksLikeRefusal(res.RawText) {
			res.ErrorCode = model.ErrLLMRefusal
			res.Err = errors.New("model refused the request")
		} else {
			res.ErrorCode = model.ErrLLMUnparseable
			res.Err = err
		}
		c.record(req, res)
		return res
	}
	res.Parsed = parsed
	c.record(req, res)
	return res
}

// record writes call telemetry. Failures are logged and swallowed;
// telemetry must never break a workflow.
func (c *Client) record(req Request, res *Result) {
	if c.store == nil {
		return
	}
	call := &model.LLMCall{
		PlanID:       req.PlanID,
		TaskID:       req.TaskID,
		Role:         req.Role,
		Contract:     req.Contract,
		Provider:     res.Provider,
		PromptSHA256: util.SHA256Hex([]byte(req.Prompt)),
		RawText:      res.RawText,
		ErrorCode:    string(res.ErrorCode),
		Truncated:    res.Truncated,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.Finished,
	}
	if res.Parsed != nil {
		call.ParsedJSON = util.CanonicalJSON(res.Parsed)
	}
	if err := c.store.InsertLLMCall(call); err != nil {
		logging.Get(logging.CategoryLLM).Warnw("llm call telemetry failed", "error", err)
		return
	}
	res.CallID = call.CallID
}
