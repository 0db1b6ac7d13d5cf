package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meta-node-blockchain/dicemesh/types"
)

func TestRouterDispatchesByKind(t *testing.T) {
	r := NewRouter()

	var proposals, votes int
	r.Handle(KindProposal, func(in Inbound) error { proposals++; return nil })
	r.Handle(KindVote, func(in Inbound) error { votes++; return nil })

	from := types.PeerID{1}
	require.NoError(t, r.Dispatch(Inbound{From: from, Message: Message{Kind: KindProposal}}))
	require.NoError(t, r.Dispatch(Inbound{From: from, Message: Message{Kind: KindVote}}))
	require.NoError(t, r.Dispatch(Inbound{From: from, Message: Message{Kind: KindVote}}))

	assert.Equal(t, 1, proposals)
	assert.Equal(t, 2, votes)
}

func TestRouterRejectsUnroutableKind(t *testing.T) {
	r := NewRouter()
	err := r.Dispatch(Inbound{Message: Message{Kind: KindStateSync}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state_sync")
}

func TestRouterHandlerErrorsPropagate(t *testing.T) {
	r := NewRouter()
	boom := errors.New("handler failure")
	r.Handle(KindCommit, func(Inbound) error { return boom })
	assert.ErrorIs(t, r.Dispatch(Inbound{Message: Message{Kind: KindCommit}}), boom)
}

func TestRouterRateLimitsPerKind(t *testing.T) {
	r := NewRouter()
	r.Handle(KindReveal, func(Inbound) error { return nil })
	r.Limit(KindReveal, 1, 1)

	in := Inbound{From: types.PeerID{1}, Message: Message{Kind: KindReveal}}
	require.NoError(t, r.Dispatch(in))
	assert.ErrorIs(t, r.Dispatch(in), ErrRateLimitExceeded)

	r.Limit(KindReveal, 0, 0)
	assert.NoError(t, r.Dispatch(in), "removing the limit restores dispatch")
}
