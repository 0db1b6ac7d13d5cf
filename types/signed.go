package types

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/near/borsh-go"
)

// SignatureLength is the size of a compact secp256k1 signature [R || S || V].
const SignatureLength = 65

// Signature is a recoverable secp256k1 signature over a Keccak-256 digest.
type Signature [SignatureLength]byte

var ErrInvalidSignatureLength = errors.New("types: invalid signature length")

// SignatureFromBytes copies b into a Signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != SignatureLength {
		return sig, fmt.Errorf("%w: got %d bytes", ErrInvalidSignatureLength, len(b))
	}
	copy(sig[:], b)
	return sig, nil
}

func (s Signature) Bytes() []byte { return s[:] }

func (s Signature) IsZero() bool { return s == Signature{} }

// Recover returns the peer that signed digest.
func (s Signature) Recover(digest Hash) (PeerID, error) {
	pub, err := crypto.SigToPub(digest.Bytes(), s[:])
	if err != nil {
		return PeerID{}, fmt.Errorf("types: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether s is a valid signature by signer over digest.
func (s Signature) Verify(signer PeerID, digest Hash) bool {
	recovered, err := s.Recover(digest)
	if err != nil {
		return false
	}
	return recovered == signer
}

// SignedMessage is an opaque payload bound to its signer. The digest that
// was signed is Keccak-256 of the payload.
type SignedMessage struct {
	Payload []byte
	Signer  PeerID
	Sig     Signature
}

// Digest returns the Keccak-256 hash of the payload.
func (m *SignedMessage) Digest() Hash {
	return crypto.Keccak256Hash(m.Payload)
}

// Verify checks the signature against the declared signer.
func (m *SignedMessage) Verify() bool {
	return m.Sig.Verify(m.Signer, m.Digest())
}

type signedMessageWire struct {
	Payload []byte
	Signer  [20]byte
	Sig     [65]byte
}

// Encode returns the borsh wire form.
func (m *SignedMessage) Encode() ([]byte, error) {
	data, err := borsh.Serialize(signedMessageWire{
		Payload: m.Payload,
		Signer:  m.Signer,
		Sig:     m.Sig,
	})
	if err != nil {
		return nil, fmt.Errorf("types: encode signed message: %w", err)
	}
	return data, nil
}

// DecodeSignedMessage parses the borsh wire form.
func DecodeSignedMessage(data []byte) (*SignedMessage, error) {
	var wire signedMessageWire
	if err := borsh.Deserialize(&wire, data); err != nil {
		return nil, fmt.Errorf("types: decode signed message: %w", err)
	}
	return &SignedMessage{
		Payload: wire.Payload,
		Signer:  wire.Signer,
		Sig:     wire.Sig,
	}, nil
}
