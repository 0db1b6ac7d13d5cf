package transport

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Handler consumes one inbound message.
type Handler func(Inbound) error

// Router dispatches inbound messages to per-kind handlers, with optional
// per-kind rate limits on top of the hub's per-sender ones.
type Router struct {
	mu       sync.Mutex
	routes   map[Kind]Handler
	limiters map[Kind]*rate.Limiter
}

func NewRouter() *Router {
	return &Router{
		routes:   make(map[Kind]Handler),
		limiters: make(map[Kind]*rate.Limiter),
	}
}

// Handle registers the handler for a kind, replacing any previous one.
func (r *Router) Handle(kind Kind, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[kind] = fn
}

// Limit caps the dispatch rate for one kind. perSecond <= 0 removes the
// limit.
func (r *Router) Limit(kind Kind, perSecond rate.Limit, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if perSecond > 0 {
		r.limiters[kind] = rate.NewLimiter(perSecond, burst)
	} else {
		delete(r.limiters, kind)
	}
}

// Dispatch routes one message. A kind without a handler is an error so a
// misconfigured node fails loudly instead of dropping traffic silently.
func (r *Router) Dispatch(in Inbound) error {
	r.mu.Lock()
	route, ok := r.routes[in.Kind]
	limiter := r.limiters[in.Kind]
	r.mu.Unlock()

	if limiter != nil && !limiter.Allow() {
		return fmt.Errorf("%w: %s from %s", ErrRateLimitExceeded, in.Kind, in.From.Hex())
	}
	if !ok {
		return fmt.Errorf("transport: no handler for %s", in.Kind)
	}
	return route(in)
}
