package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/memloop/memloop/llm"
)

// Step is one scripted completion: either a response body or an error.
type Step struct {
	Text string
	Err  error
}

// ScriptedProvider plays back a fixed sequence of completions and records
// every request it receives. When the script runs out it repeats the last
// step, so loops that poll the provider stay deterministic.
type ScriptedProvider struct {
	mu       sync.Mutex
	script   []Step
	cursor   int
	requests []*llm.ChatRequest
}

// NewScriptedProvider builds a provider that replies with the given steps
// in order.
func NewScriptedProvider(steps ...Step) *ScriptedProvider {
	return &ScriptedProvider{script: steps}
}

// Reply is shorthand for a successful text step.
func Reply(text string) Step { return Step{Text: text} }

// Fail is shorthand for an error step.
func Fail(err error) Step { return Step{Err: err} }

func (p *ScriptedProvider) Name() string { return "scripted" }

// Completion pops the next step.
func (p *ScriptedProvider) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if len(p.script) == 0 {
		return nil, fmt.Errorf("scripted provider has no steps")
	}
	step := p.script[p.cursor]
	if p.cursor < len(p.script)-1 {
		p.cursor++
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &llm.ChatResponse{
		Choices: []llm.ChatChoice{{Message: llm.Message{Role: llm.RoleAssistant, Content: step.Text}}},
	}, nil
}

// HealthCheck always reports healthy.
func (p *ScriptedProvider) HealthCheck(context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

// Requests returns a copy of everything sent to the provider so far.
func (p *ScriptedProvider) Requests() []*llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*llm.ChatRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// CallCount reports how many completions were requested.
func (p *ScriptedProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}
