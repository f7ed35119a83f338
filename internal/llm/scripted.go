package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ScriptedTransport replays canned responses in tests. Responses are
// matched by prompt substring first, then taken from the default queue.
type ScriptedTransport struct {
	mu       sync.Mutex
	byMatch  []scriptedRule
	queue    []string
	err      error
	requests []string
}

type scriptedRule struct {
	substring string
	responses []string
}

// NewScriptedTransport returns an empty scripted transport.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{}
}

// Enqueue appends responses to the default queue.
func (t *ScriptedTransport) Enqueue(responses ...string) *ScriptedTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, responses...)
	return t
}

// On registers responses consumed in order whenever the prompt contains
// the given substring.
func (t *ScriptedTransport) On(substring string, responses ...string) *ScriptedTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byMatch = append(t.byMatch, scriptedRule{substring: substring, responses: responses})
	return t
}

// Fail makes every subsequent call return err.
func (t *ScriptedTransport) Fail(err error) *ScriptedTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
	return t
}

// Requests returns the prompts seen so far.
func (t *ScriptedTransport) Requests() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.requests))
	copy(out, t.requests)
	return out
}

// Name implements Transport.
func (t *ScriptedTransport) Name() string { return "scripted" }

// Generate implements Transport.
func (t *ScriptedTransport) Generate(ctx context.Context, system, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, prompt)
	if t.err != nil {
		return "", t.err
	}
	for i := range t.byMatch {
		rule := &t.byMatch[i]
		if strings.Contains(prompt, rule.substring) && len(rule.responses) > 0 {
			resp := rule.responses[0]
			rule.responses = rule.responses[1:]
			return resp, nil
		}
	}
	if len(t.queue) == 0 {
		return "", errors.New("scripted transport exhausted")
	}
	resp := t.queue[0]
	t.queue = t.queue[1:]
	return resp, nil
}
