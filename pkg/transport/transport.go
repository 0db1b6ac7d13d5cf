// Package transport moves consensus artifacts between peers. It defines
// the broadcast envelope and the Transport surface a node speaks through,
// with two implementations: an in-process hub for tests and simulation,
// and a length-prefixed TCP transport for real meshes.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/meta-node-blockchain/dicemesh/types"
)

var (
	ErrClosed            = errors.New("transport: closed")
	ErrRateLimitExceeded = errors.New("transport: rate limit exceeded")
)

// Kind tags the artifact a message carries.
type Kind uint8

const (
	KindProposal Kind = iota
	KindVote
	KindCommit
	KindReveal
	KindDispute
	KindDisputeVote
	KindStateSync
)

func (k Kind) String() string {
	switch k {
	case KindProposal:
		return "proposal"
	case KindVote:
		return "vote"
	case KindCommit:
		return "commit"
	case KindReveal:
		return "reveal"
	case KindDispute:
		return "dispute"
	case KindDisputeVote:
		return "dispute_vote"
	case KindStateSync:
		return "state_sync"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is one broadcast envelope. Payload is the borsh encoding
// produced by the codec of the package that owns the artifact.
type Message struct {
	Kind    Kind
	Game    types.GameID
	Payload []byte
}

// Inbound is a delivered message together with its sender.
type Inbound struct {
	From types.PeerID
	Message
}

// Transport is the mesh-facing surface of one peer.
type Transport interface {
	Self() types.PeerID
	Broadcast(ctx context.Context, msg Message) error
	Events() <-chan Inbound
	Close() error
}
