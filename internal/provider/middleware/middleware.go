// Package middleware provides a chain of interceptors around a provider
// Chat call. Middleware can inspect or transform the request before the call
// and the response after it.
package middleware

import (
	"context"
	"fmt"

	"github.com/KafClaw/taskclaw/internal/provider"
)

// ChatMiddleware intercepts LLM requests and/or responses.
type ChatMiddleware interface {
	// Name returns a short identifier for logging/metrics.
	Name() string
	// ProcessRequest is called before the LLM call. Returning an error aborts
	// the call.
	ProcessRequest(ctx context.Context, req *provider.ChatRequest, meta *RequestMeta) error
	// ProcessResponse is called after the LLM call. It may modify the response.
	ProcessResponse(ctx context.Context, req *provider.ChatRequest, resp *provider.ChatResponse, meta *RequestMeta) error
}

// RequestMeta carries mutable context through the chain.
type RequestMeta struct {
	ProviderID string
	ModelName  string
	AgentID    string
	TaskID     string
	Tags       map[string]string
	CostUSD    float64 // set by FinOps recorder
}

// NewRequestMeta creates a RequestMeta with initialized Tags map.
func NewRequestMeta(providerID, modelName string) *RequestMeta {
	return &RequestMeta{
		ProviderID: providerID,
		ModelName:  modelName,
		Tags:       make(map[string]string),
	}
}

// Chain holds an ordered list of middleware. The provider is passed per
// call because each agent resolves its own client.
type Chain struct {
	Middlewares []ChatMiddleware
}

// NewChain creates a chain with the given middleware.
func NewChain(mw ...ChatMiddleware) *Chain {
	return &Chain{Middlewares: mw}
}

// Use appends middleware to the chain.
func (c *Chain) Use(mw ...ChatMiddleware) {
	c.Middlewares = append(c.Middlewares, mw...)
}

// Process runs the middleware chain: pre-hooks → LLM call → post-hooks.
// Provider errors are returned unwrapped so callers can classify them.
func (c *Chain) Process(ctx context.Context, prov provider.LLMProvider, req *provider.ChatRequest, meta *RequestMeta) (*provider.ChatResponse, error) {
	if meta == nil {
		meta = NewRequestMeta("", "")
	}
	if meta.Tags == nil {
		meta.Tags = make(map[string]string)
	}

	var mws []ChatMiddleware
	if c != nil {
		mws = c.Middlewares
	}

	for _, mw := range mws {
		if err := mw.ProcessRequest(ctx, req, meta); err != nil {
			return nil, fmt.Errorf("middleware %s pre-hook: %w", mw.Name(), err)
		}
	}

	resp, err := prov.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	for _, mw := range mws {
		if err := mw.ProcessResponse(ctx, req, resp, meta); err != nil {
			return nil, fmt.Errorf("middleware %s post-hook: %w", mw.Name(), err)
		}
	}
	return resp, nil
}
