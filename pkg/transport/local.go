package transport

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/meta-node-blockchain/dicemesh/types"
)

const inboxBuffer = 256

// Hub wires any number of in-process transports into one mesh. Delivery
// fans out to every member except the sender, the routing a real network
// would do with sockets. A per-sender token bucket throttles floods the
// same way the engine throttles per peer.
type Hub struct {
	mu       sync.Mutex
	members  map[types.PeerID]*LocalTransport
	limiters map[types.PeerID]*rate.Limiter
	perPeer  rate.Limit
	burst    int
	closed   bool
}

// NewHub builds a hub. perPeer <= 0 disables rate limiting.
func NewHub(perPeer rate.Limit, burst int) *Hub {
	return &Hub{
		members:  make(map[types.PeerID]*LocalTransport),
		limiters: make(map[types.PeerID]*rate.Limiter),
		perPeer:  perPeer,
		burst:    burst,
	}
}

// Join registers a peer and returns its endpoint. Joining twice returns
// the existing endpoint.
func (h *Hub) Join(self types.PeerID) *LocalTransport {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.members[self]; ok {
		return t
	}
	t := &LocalTransport{
		self:  self,
		hub:   h,
		inbox: make(chan Inbound, inboxBuffer),
	}
	h.members[self] = t
	return t
}

func (h *Hub) route(from types.PeerID, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if _, ok := h.members[from]; !ok {
		return ErrClosed
	}
	if h.perPeer > 0 {
		limiter, ok := h.limiters[from]
		if !ok {
			limiter = rate.NewLimiter(h.perPeer, h.burst)
			h.limiters[from] = limiter
		}
		if !limiter.Allow() {
			return ErrRateLimitExceeded
		}
	}

	in := Inbound{From: from, Message: msg}
	for peer, t := range h.members {
		if peer == from {
			continue
		}
		select {
		case t.inbox <- in:
		default:
			// Full inbox: drop the oldest so a stalled member cannot
			// wedge the rest of the mesh.
			select {
			case <-t.inbox:
			default:
			}
			select {
			case t.inbox <- in:
			default:
			}
		}
	}
	return nil
}

// Close shuts down the hub and every endpoint still joined.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for peer, t := range h.members {
		delete(h.members, peer)
		close(t.inbox)
	}
}

// LocalTransport is one peer's endpoint on a Hub.
type LocalTransport struct {
	self  types.PeerID
	hub   *Hub
	inbox chan Inbound
}

func (t *LocalTransport) Self() types.PeerID { return t.self }

// Broadcast delivers msg to every other hub member. Delivery is
// best-effort per receiver; the error reports only sender-side problems.
func (t *LocalTransport) Broadcast(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.hub.route(t.self, msg)
}

func (t *LocalTransport) Events() <-chan Inbound { return t.inbox }

// Close removes the endpoint from the hub and closes its event channel.
func (t *LocalTransport) Close() error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()

	if _, ok := t.hub.members[t.self]; !ok {
		return nil
	}
	delete(t.hub.members, t.self)
	close(t.inbox)
	return nil
}
