package generation

import (
	"context"
	"sync"

	"github.com/agentmart/agentmart/query-engine/pkg/contracts"
	"github.com/agentmart/agentmart/query-engine/pkg/models"
)

// ScriptedProvider replays a fixed sequence of outcomes, one per Complete
// call. Used by tests to script timeout/throttle/success sequences without a
// live provider.
type ScriptedProvider struct {
	mu    sync.Mutex
	steps []ScriptStep
	calls int
}

// ScriptStep is one scripted Complete outcome. When Block is set the call
// parks on the context instead of returning, which is how tests simulate a
// provider that outlives the attempt budget.
type ScriptStep struct {
	Text  string
	Usage models.TokenUsage
	Err   error
	Block bool
}

// NewScriptedProvider creates a provider that replays steps in order. Calls
// past the end repeat the last step.
func NewScriptedProvider(steps ...ScriptStep) *ScriptedProvider {
	return &ScriptedProvider{steps: steps}
}

func (p *ScriptedProvider) Kind() string { return "scripted" }

// Calls returns how many times Complete ran.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *ScriptedProvider) Complete(ctx context.Context, req *contracts.CompletionRequest) (*contracts.CompletionResponse, error) {
	p.mu.Lock()
	idx := p.calls
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	step := p.steps[idx]
	p.calls++
	p.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &contracts.CompletionResponse{
		Text:  step.Text,
		Model: req.Model,
		Usage: step.Usage,
	}, nil
}
