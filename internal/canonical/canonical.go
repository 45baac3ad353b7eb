// Package canonical produces the byte-exact serialization of an
// attestation's signed content. Every digest in the system is keccak256
// over bytes produced here, so the encoding must be identical across
// platforms and releases: object keys sorted ascending at every depth,
// RFC 8785 number formatting, minimal string escapes, list order preserved.
//
// The payload layout is versioned. Future versions must bump V and never
// repurpose a field.
package canonical

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/trufnetwork/attestd/internal/types"
)

// PayloadVersion is the current canonical payload schema version.
const PayloadVersion = 1

// DigestLength is the size of a keccak256 digest in bytes.
const DigestLength = 32

// Payload is the v1 signed content of one attestation. Field order mirrors
// the canonical key order (ascending code point); the canonicalization pass
// enforces it regardless.
type Payload struct {
	Action     types.ActionRecord      `json:"action"`
	Agent      string                  `json:"agent"`
	Conditions []types.Condition       `json:"conditions"`
	Eval       []types.ConditionResult `json:"eval"`
	Met        bool                    `json:"met"`
	Nonce      int64                   `json:"nonce"`
	Rule       string                  `json:"rule"`
	TS         int64                   `json:"ts"`
	V          int                     `json:"v"`
}

// NewPayload assembles the signed content for one attestation. Nil maps and
// slices are normalized to empty ones so the canonical form never contains
// JSON null where an empty container is meant.
func NewPayload(
	agentID, ruleID uuid.UUID,
	conditions []types.Condition,
	action types.ActionRecord,
	eval []types.ConditionResult,
	met bool,
	nonce int64,
	issuedAt time.Time,
) *Payload {
	if action == nil {
		action = types.ActionRecord{}
	}
	if conditions == nil {
		conditions = []types.Condition{}
	}
	if eval == nil {
		eval = []types.ConditionResult{}
	}
	return &Payload{
		Action:     action,
		Agent:      agentID.String(),
		Conditions: conditions,
		Eval:       eval,
		Met:        met,
		Nonce:      nonce,
		Rule:       ruleID.String(),
		TS:         issuedAt.Unix(),
		V:          PayloadVersion,
	}
}

// Marshal returns the canonical byte serialization of the payload.
// The output is stable: two calls with semantically equal payloads produce
// identical bytes on any platform, and re-canonicalizing the output is a
// no-op.
func (p *Payload) Marshal() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return canon, nil
}

// Digest computes keccak256 (the legacy pre-NIST variant) over the canonical
// bytes. The digest is the attestation's public identifier.
func (p *Payload) Digest() ([DigestLength]byte, error) {
	var out [DigestLength]byte
	canon, err := p.Marshal()
	if err != nil {
		return out, err
	}
	copy(out[:], ethcrypto.Keccak256(canon))
	return out, nil
}

// Transform canonicalizes an arbitrary JSON document. Exposed for callers
// that need to re-derive digests from stored payload snapshots.
func Transform(raw []byte) ([]byte, error) {
	return jcs.Transform(raw)
}

// DigestHex renders a 32-byte digest as "0x" followed by 64 lowercase hex
// characters.
func DigestHex(d [DigestLength]byte) string {
	return hexutil.Encode(d[:])
}

// ParseDigestHex decodes a "0x"-prefixed 64-character hex digest.
func ParseDigestHex(s string) ([DigestLength]byte, error) {
	var out [DigestLength]byte
	b, err := hexutil.Decode(s)
	if err != nil {
		return out, fmt.Errorf("decode digest: %w", err)
	}
	if len(b) != DigestLength {
		return out, fmt.Errorf("digest must be %d bytes, got %d", DigestLength, len(b))
	}
	copy(out[:], b)
	return out, nil
}
