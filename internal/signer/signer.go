// Package signer wraps secp256k1 ECDSA signing of attestation digests.
// Signatures are the 65-byte compact form [R || S || V] with V in {27, 28},
// the encoding ledger-side recovery (ecrecover) expects over the same
// keccak256 digest.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the compact signature size: 32-byte R, 32-byte S, 1-byte V.
const SignatureLength = 65

// Signer signs 32-byte digests with a long-lived secp256k1 key. The key is
// loaded once at process start and read-only afterwards, so concurrent use
// needs no locking.
type Signer struct {
	key *ecdsa.PrivateKey
}

// New parses a hex-encoded secp256k1 scalar (with or without 0x prefix) and
// returns a ready signer. A missing or invalid scalar is a startup error:
// the caller must refuse to serve issuance with a broken key.
func New(hexKey string) (*Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("signing key is empty")
	}
	key, err := ethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("signing key is not a valid secp256k1 scalar: %w", err)
	}
	return &Signer{key: key}, nil
}

// SignDigest signs a 32-byte digest and returns the 65-byte compact
// signature. S is always in the lower half of the curve order; V is
// normalized to {27, 28} regardless of what the underlying library emits
// ({0,1}, {27,28}, or an EIP-155 offset form).
func (s *Signer) SignDigest(digest []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, fmt.Errorf("signer not initialized")
	}
	if len(digest) != ethcrypto.DigestLength {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", ethcrypto.DigestLength, len(digest))
	}

	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}

	v := sig[SignatureLength-1]
	if v >= 27 {
		v -= 27
	}
	v &= 1
	sig[SignatureLength-1] = v + 27
	return sig, nil
}

// PublicKey returns the uncompressed 65-byte public key (0x04 || X || Y).
func (s *Signer) PublicKey() []byte {
	if s == nil || s.key == nil {
		return nil
	}
	return ethcrypto.FromECDSAPub(&s.key.PublicKey)
}

// Address returns the EVM address derived from the signing key, as callers
// recover it on-ledger.
func (s *Signer) Address() common.Address {
	if s == nil || s.key == nil {
		return common.Address{}
	}
	return ethcrypto.PubkeyToAddress(s.key.PublicKey)
}

// Zero wipes the private scalar. Called on shutdown; the signer is unusable
// afterwards.
func (s *Signer) Zero() {
	if s == nil || s.key == nil {
		return
	}
	s.key.D.SetInt64(0)
	s.key = nil
}

// SignatureHex renders a compact signature as "0x" + 130 lowercase hex chars.
func SignatureHex(sig []byte) string {
	return hexutil.Encode(sig)
}

// RecoverAddress recovers the signing address from a digest and a compact
// signature with V in {27, 28}. This mirrors ledger-side ecrecover and is
// what holders of the public key use to verify attestations.
func RecoverAddress(digest []byte, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	v := normalized[SignatureLength-1]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[SignatureLength-1])
	}
	normalized[SignatureLength-1] = v

	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
