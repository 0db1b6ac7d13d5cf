package dispute

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/near/borsh-go"

	"github.com/meta-node-blockchain/dicemesh/types"
)

// EvidenceKind discriminates the closed set of evidence forms.
type EvidenceKind uint8

const (
	EvidenceKindSignedTransaction EvidenceKind = iota
	EvidenceKindStateProof
	EvidenceKindTimestampProof
	EvidenceKindWitnessTestimony
)

func (k EvidenceKind) String() string {
	switch k {
	case EvidenceKindSignedTransaction:
		return "signed_transaction"
	case EvidenceKindStateProof:
		return "state_proof"
	case EvidenceKindTimestampProof:
		return "timestamp_proof"
	case EvidenceKindWitnessTestimony:
		return "witness_testimony"
	}
	return fmt.Sprintf("evidence(%d)", uint8(k))
}

// Evidence is the closed set of supporting material a dispute carries.
type Evidence interface {
	Kind() EvidenceKind
	isEvidence()
}

// EvidenceSignedTransaction is a message the accused signed, its signature
// proving authorship.
type EvidenceSignedTransaction struct {
	Data   []byte
	Signer types.PeerID
	Sig    types.Signature
}

// EvidenceStateProof ties a state hash to supporting bytes, typically a
// serialized state the disputer archived.
type EvidenceStateProof struct {
	State types.Hash
	Proof []byte
}

// EvidenceTimestampProof contrasts a claimed timestamp with what the
// disputer observed locally.
type EvidenceTimestampProof struct {
	Claimed  uint64
	Observed uint64
}

// EvidenceWitnessTestimony is a statement signed by a third peer.
type EvidenceWitnessTestimony struct {
	Witness   types.PeerID
	Statement []byte
	Sig       types.Signature
}

func (EvidenceSignedTransaction) Kind() EvidenceKind { return EvidenceKindSignedTransaction }
func (EvidenceStateProof) Kind() EvidenceKind        { return EvidenceKindStateProof }
func (EvidenceTimestampProof) Kind() EvidenceKind    { return EvidenceKindTimestampProof }
func (EvidenceWitnessTestimony) Kind() EvidenceKind  { return EvidenceKindWitnessTestimony }

func (EvidenceSignedTransaction) isEvidence() {}
func (EvidenceStateProof) isEvidence()        {}
func (EvidenceTimestampProof) isEvidence()    {}
func (EvidenceWitnessTestimony) isEvidence()  {}

// ValidateEvidence checks structure and, where evidence carries a
// signature, verifies it. Forged evidence is rejected before a dispute is
// ever put to a vote.
func ValidateEvidence(ev Evidence) error {
	switch e := ev.(type) {
	case EvidenceSignedTransaction:
		if len(e.Data) == 0 {
			return fmt.Errorf("%w: signed transaction without data", ErrInvalidEvidence)
		}
		if !e.Sig.Verify(e.Signer, crypto.Keccak256Hash(e.Data)) {
			return fmt.Errorf("%w: transaction signature does not recover %s",
				ErrInvalidEvidence, e.Signer.Hex())
		}
	case EvidenceStateProof:
		if e.State == (types.Hash{}) {
			return fmt.Errorf("%w: state proof without a state hash", ErrInvalidEvidence)
		}
	case EvidenceTimestampProof:
		if e.Claimed == e.Observed {
			return fmt.Errorf("%w: timestamp proof shows no discrepancy", ErrInvalidEvidence)
		}
	case EvidenceWitnessTestimony:
		if len(e.Statement) == 0 {
			return fmt.Errorf("%w: testimony without a statement", ErrInvalidEvidence)
		}
		if !e.Sig.Verify(e.Witness, crypto.Keccak256Hash(e.Statement)) {
			return fmt.Errorf("%w: testimony signature does not recover %s",
				ErrInvalidEvidence, e.Witness.Hex())
		}
	default:
		return fmt.Errorf("%w: %T", ErrInvalidEvidence, ev)
	}
	return nil
}

// EncodeEvidence serializes evidence with the shared kind-byte envelope.
func EncodeEvidence(ev Evidence) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch e := ev.(type) {
	case EvidenceSignedTransaction:
		body, err = borsh.Serialize(e)
	case EvidenceStateProof:
		body, err = borsh.Serialize(e)
	case EvidenceTimestampProof:
		body, err = borsh.Serialize(e)
	case EvidenceWitnessTestimony:
		body, err = borsh.Serialize(e)
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidEvidence, ev)
	}
	if err != nil {
		return nil, fmt.Errorf("dispute: encode %s: %w", ev.Kind(), err)
	}
	return append([]byte{byte(ev.Kind())}, body...), nil
}

// DecodeEvidence inverts EncodeEvidence.
func DecodeEvidence(data []byte) (Evidence, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidEvidence)
	}
	kind, body := EvidenceKind(data[0]), data[1:]
	var (
		ev  Evidence
		err error
	)
	switch kind {
	case EvidenceKindSignedTransaction:
		var e EvidenceSignedTransaction
		err = borsh.Deserialize(&e, body)
		ev = e
	case EvidenceKindStateProof:
		var e EvidenceStateProof
		err = borsh.Deserialize(&e, body)
		ev = e
	case EvidenceKindTimestampProof:
		var e EvidenceTimestampProof
		err = borsh.Deserialize(&e, body)
		ev = e
	case EvidenceKindWitnessTestimony:
		var e EvidenceWitnessTestimony
		err = borsh.Deserialize(&e, body)
		ev = e
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidEvidence, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("dispute: decode %s: %w", kind, err)
	}
	return ev, nil
}
