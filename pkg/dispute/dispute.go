package dispute

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/near/borsh-go"

	"github.com/meta-node-blockchain/dicemesh/pkg/identity"
	"github.com/meta-node-blockchain/dicemesh/types"
)

var disputeDomain = []byte("dicemesh/dispute/v1")

// VoteChoice is a peer's position on a dispute.
type VoteChoice uint8

const (
	VoteUphold VoteChoice = iota
	VoteReject
	VoteAbstain
	VoteNeedMoreEvidence
)

func (c VoteChoice) String() string {
	switch c {
	case VoteUphold:
		return "uphold"
	case VoteReject:
		return "reject"
	case VoteAbstain:
		return "abstain"
	case VoteNeedMoreEvidence:
		return "need_more_evidence"
	}
	return fmt.Sprintf("choice(%d)", uint8(c))
}

// Verdict is the outcome of a resolved dispute.
type Verdict uint8

const (
	VerdictUpheld Verdict = iota
	VerdictRejected
	VerdictAbstained
)

func (v Verdict) String() string {
	switch v {
	case VerdictUpheld:
		return "upheld"
	case VerdictRejected:
		return "rejected"
	case VerdictAbstained:
		return "abstained"
	}
	return fmt.Sprintf("verdict(%d)", uint8(v))
}

// Dispute is a formal accusation against a peer, put to a vote of the
// whole mesh.
type Dispute struct {
	ID            types.DisputeID
	Disputer      types.PeerID
	Accused       types.PeerID
	DisputedState types.Hash
	Claim         Claim
	Evidence      []Evidence
	RaisedAt      uint64
	Deadline      uint64
	Sig           types.Signature
}

// ComputeDisputeID derives the dispute id from the disputer, the disputed
// state and the claim. Raising the same accusation twice therefore yields
// the same id, which is what makes Raise idempotent.
func ComputeDisputeID(disputer types.PeerID, disputedState types.Hash, claim Claim) (types.DisputeID, error) {
	encodedClaim, err := EncodeClaim(claim)
	if err != nil {
		return types.DisputeID{}, err
	}
	digest := crypto.Keccak256Hash(disputeDomain, disputer[:], disputedState[:], encodedClaim)
	return types.DisputeID(digest), nil
}

type disputeDigestEncoding struct {
	ID       [32]byte
	Accused  [20]byte
	RaisedAt uint64
	Deadline uint64
	Evidence uint32
}

// Digest is the hash the disputer signs: the id binds the claim, the rest
// binds the framing around it.
func (d *Dispute) Digest() types.Hash {
	enc := disputeDigestEncoding{
		ID:       d.ID,
		Accused:  d.Accused,
		RaisedAt: d.RaisedAt,
		Deadline: d.Deadline,
		Evidence: uint32(len(d.Evidence)),
	}
	data, err := borsh.Serialize(enc)
	if err != nil {
		// Fixed-width fields only; cannot fail.
		panic(fmt.Sprintf("dispute: encode digest: %v", err))
	}
	return crypto.Keccak256Hash(data)
}

// SignDispute fills in the id and the disputer's signature.
func SignDispute(d *Dispute, keyPair *identity.KeyPair) error {
	id, err := ComputeDisputeID(d.Disputer, d.DisputedState, d.Claim)
	if err != nil {
		return err
	}
	d.ID = id
	sig, err := keyPair.Sign(d.Digest())
	if err != nil {
		return err
	}
	d.Sig = sig
	return nil
}

// VerifyDispute checks id integrity and the disputer's signature.
func VerifyDispute(d *Dispute) error {
	if d.Claim == nil {
		return fmt.Errorf("%w: missing claim", ErrForgedDispute)
	}
	id, err := ComputeDisputeID(d.Disputer, d.DisputedState, d.Claim)
	if err != nil {
		return err
	}
	if id != d.ID {
		return fmt.Errorf("%w: id does not match claim", ErrForgedDispute)
	}
	if !d.Sig.Verify(d.Disputer, d.Digest()) {
		return fmt.Errorf("%w: dispute %s", ErrForgedDispute, d.ID.Hex())
	}
	return nil
}

// DisputeVote is one peer's signed position on a dispute.
type DisputeVote struct {
	Dispute   types.DisputeID
	Voter     types.PeerID
	Choice    VoteChoice
	Timestamp uint64
	Sig       types.Signature
}

type disputeVoteDigestEncoding struct {
	Dispute   [32]byte
	Voter     [20]byte
	Choice    uint8
	Timestamp uint64
}

func (v *DisputeVote) Digest() types.Hash {
	enc := disputeVoteDigestEncoding{
		Dispute:   v.Dispute,
		Voter:     v.Voter,
		Choice:    uint8(v.Choice),
		Timestamp: v.Timestamp,
	}
	data, err := borsh.Serialize(enc)
	if err != nil {
		panic(fmt.Sprintf("dispute: encode vote digest: %v", err))
	}
	return crypto.Keccak256Hash(data)
}

// SignDisputeVote signs the vote with the voter's key.
func SignDisputeVote(v *DisputeVote, keyPair *identity.KeyPair) error {
	sig, err := keyPair.Sign(v.Digest())
	if err != nil {
		return err
	}
	v.Sig = sig
	return nil
}

// VerifyDisputeVote checks the voter's signature.
func VerifyDisputeVote(v *DisputeVote) error {
	if !v.Sig.Verify(v.Voter, v.Digest()) {
		return fmt.Errorf("%w: vote on %s by %s", ErrForgedDispute, v.Dispute.Hex(), v.Voter.Hex())
	}
	return nil
}

type disputeWire struct {
	ID            [32]byte
	Disputer      [20]byte
	Accused       [20]byte
	DisputedState [32]byte
	Claim         []byte
	Evidence      [][]byte
	RaisedAt      uint64
	Deadline      uint64
	Sig           [65]byte
}

// EncodeDispute serializes a dispute for broadcast and archival.
func EncodeDispute(d *Dispute) ([]byte, error) {
	encodedClaim, err := EncodeClaim(d.Claim)
	if err != nil {
		return nil, err
	}
	evidence := make([][]byte, 0, len(d.Evidence))
	for _, ev := range d.Evidence {
		data, err := EncodeEvidence(ev)
		if err != nil {
			return nil, err
		}
		evidence = append(evidence, data)
	}
	return borsh.Serialize(disputeWire{
		ID:            d.ID,
		Disputer:      d.Disputer,
		Accused:       d.Accused,
		DisputedState: d.DisputedState,
		Claim:         encodedClaim,
		Evidence:      evidence,
		RaisedAt:      d.RaisedAt,
		Deadline:      d.Deadline,
		Sig:           d.Sig,
	})
}

// DecodeDispute inverts EncodeDispute.
func DecodeDispute(data []byte) (*Dispute, error) {
	var wire disputeWire
	if err := borsh.Deserialize(&wire, data); err != nil {
		return nil, fmt.Errorf("decode dispute: %w", err)
	}
	claim, err := DecodeClaim(wire.Claim)
	if err != nil {
		return nil, err
	}
	evidence := make([]Evidence, 0, len(wire.Evidence))
	for _, raw := range wire.Evidence {
		ev, err := DecodeEvidence(raw)
		if err != nil {
			return nil, err
		}
		evidence = append(evidence, ev)
	}
	return &Dispute{
		ID:            types.DisputeID(wire.ID),
		Disputer:      types.PeerID(wire.Disputer),
		Accused:       types.PeerID(wire.Accused),
		DisputedState: types.Hash(wire.DisputedState),
		Claim:         claim,
		Evidence:      evidence,
		RaisedAt:      wire.RaisedAt,
		Deadline:      wire.Deadline,
		Sig:           types.Signature(wire.Sig),
	}, nil
}

type disputeVoteWire struct {
	Dispute   [32]byte
	Voter     [20]byte
	Choice    uint8
	Timestamp uint64
	Sig       [65]byte
}

// EncodeDisputeVote serializes a vote for broadcast.
func EncodeDisputeVote(v *DisputeVote) ([]byte, error) {
	return borsh.Serialize(disputeVoteWire{
		Dispute:   v.Dispute,
		Voter:     v.Voter,
		Choice:    uint8(v.Choice),
		Timestamp: v.Timestamp,
		Sig:       v.Sig,
	})
}

// DecodeDisputeVote inverts EncodeDisputeVote.
func DecodeDisputeVote(data []byte) (*DisputeVote, error) {
	var wire disputeVoteWire
	if err := borsh.Deserialize(&wire, data); err != nil {
		return nil, fmt.Errorf("decode dispute vote: %w", err)
	}
	choice := VoteChoice(wire.Choice)
	switch choice {
	case VoteUphold, VoteReject, VoteAbstain, VoteNeedMoreEvidence:
	default:
		return nil, fmt.Errorf("decode dispute vote: unknown choice %d", wire.Choice)
	}
	return &DisputeVote{
		Dispute:   types.DisputeID(wire.Dispute),
		Voter:     types.PeerID(wire.Voter),
		Choice:    choice,
		Timestamp: wire.Timestamp,
		Sig:       types.Signature(wire.Sig),
	}, nil
}
