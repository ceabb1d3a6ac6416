// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider to return pre-canned completions without a live model and to
// verify what prompts were submitted.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResult: &llm.CompletionResponse{Content: `{"facts": []}`},
//	}
//	resp, _ := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/reverie-ai/reverie/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the request passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// CompleteResult is returned by Complete. If nil and CompleteErr is nil, an
	// empty response is returned.
	CompleteResult *llm.CompletionResponse

	// CompleteResults, when non-empty, is consumed one element per Complete
	// call, taking precedence over CompleteResult. After the slice is
	// exhausted, CompleteResult applies again.
	CompleteResults []*llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// CapabilitiesValue is returned by Capabilities.
	CapabilitiesValue llm.ModelCapabilities

	// --- Call records ---

	// CompleteCalls records every call to Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns the configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if len(p.CompleteResults) > 0 {
		resp := p.CompleteResults[0]
		p.CompleteResults = p.CompleteResults[1:]
		return resp, nil
	}
	if p.CompleteResult != nil {
		return p.CompleteResult, nil
	}
	return &llm.CompletionResponse{}, nil
}

// Capabilities returns CapabilitiesValue.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CapabilitiesValue
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
