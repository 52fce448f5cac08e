package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Router fans chat requests out to a named provider, falling back to the
// remaining providers when the primary fails.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string // workerID -> providerID
	defaults  string
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates an empty provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		logger:    logger,
	}
}

// Register adds a provider. The first registered provider becomes the
// default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// Bind routes a worker's requests to a specific provider.
func (r *Router) Bind(workerID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[workerID] = providerID
}

// Route sends a chat request through the worker's provider, or the
// default when the worker has no binding.
func (r *Router) Route(ctx context.Context, workerID string, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	p := r.providerFor(workerID)
	r.mu.RUnlock()

	if p == nil {
		return nil, fmt.Errorf("no provider available for worker %s", workerID)
	}
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.ID(), err)
	}
	return resp, nil
}

func (r *Router) providerFor(workerID string) Provider {
	if pid, ok := r.bindings[workerID]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	return r.providers[r.defaults]
}
