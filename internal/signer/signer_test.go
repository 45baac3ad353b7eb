package signer

import (
	"encoding/hex"
	"math/big"
	"strings"
	"sync"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	s, err := New(hex.EncodeToString(ethcrypto.FromECDSA(key)))
	require.NoError(t, err)
	return s
}

func TestNew(t *testing.T) {
	t.Run("accepts plain hex", func(t *testing.T) {
		key, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		s, err := New(hex.EncodeToString(ethcrypto.FromECDSA(key)))
		require.NoError(t, err)
		assert.NotNil(t, s)
	})

	t.Run("accepts 0x prefix", func(t *testing.T) {
		key, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		s, err := New("0x" + hex.EncodeToString(ethcrypto.FromECDSA(key)))
		require.NoError(t, err)
		assert.NotNil(t, s)
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := New("")
		assert.Error(t, err)
	})

	t.Run("rejects non-hex", func(t *testing.T) {
		_, err := New("not-a-key")
		assert.Error(t, err)
	})

	t.Run("rejects scalar off the curve", func(t *testing.T) {
		// The curve order N is not a valid private scalar.
		n := ethcrypto.S256().Params().N
		_, err := New(hex.EncodeToString(n.Bytes()))
		assert.Error(t, err)
	})
}

func TestSignDigest(t *testing.T) {
	s := newTestSigner(t)
	digest := ethcrypto.Keccak256([]byte("attestation payload"))

	t.Run("produces 65-byte compact form", func(t *testing.T) {
		sig, err := s.SignDigest(digest)
		require.NoError(t, err)
		assert.Len(t, sig, SignatureLength)
	})

	t.Run("v is 27 or 28", func(t *testing.T) {
		sig, err := s.SignDigest(digest)
		require.NoError(t, err)
		v := sig[SignatureLength-1]
		assert.Contains(t, []byte{27, 28}, v)
	})

	t.Run("rejects short digest", func(t *testing.T) {
		_, err := s.SignDigest([]byte("short"))
		assert.Error(t, err)
	})

	t.Run("deterministic per RFC 6979", func(t *testing.T) {
		sig1, err := s.SignDigest(digest)
		require.NoError(t, err)
		sig2, err := s.SignDigest(digest)
		require.NoError(t, err)
		assert.Equal(t, sig1, sig2)
	})

	t.Run("s is in the lower half of the curve order", func(t *testing.T) {
		sig, err := s.SignDigest(digest)
		require.NoError(t, err)
		halfN := new(big.Int).Rsh(ethcrypto.S256().Params().N, 1)
		sVal := new(big.Int).SetBytes(sig[32:64])
		assert.LessOrEqual(t, sVal.Cmp(halfN), 0, "s must be canonical (lower half)")
	})
}

func TestRecoverAddress(t *testing.T) {
	s := newTestSigner(t)
	digest := ethcrypto.Keccak256([]byte("recoverable payload"))

	sig, err := s.SignDigest(digest)
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		addr, err := RecoverAddress(digest, sig)
		require.NoError(t, err)
		assert.Equal(t, s.Address(), addr)
	})

	t.Run("different digest recovers different address", func(t *testing.T) {
		other := ethcrypto.Keccak256([]byte("a different payload"))
		addr, err := RecoverAddress(other, sig)
		if err == nil {
			assert.NotEqual(t, s.Address(), addr)
		}
	})

	t.Run("rejects truncated signature", func(t *testing.T) {
		_, err := RecoverAddress(digest, sig[:64])
		assert.Error(t, err)
	})
}

func TestSignatureHex(t *testing.T) {
	s := newTestSigner(t)
	digest := ethcrypto.Keccak256([]byte("hex form"))
	sig, err := s.SignDigest(digest)
	require.NoError(t, err)

	h := SignatureHex(sig)
	assert.Len(t, h, 2+130)
	assert.True(t, strings.HasPrefix(h, "0x"))
	assert.Equal(t, strings.ToLower(h), h)
}

func TestConcurrentSigning(t *testing.T) {
	s := newTestSigner(t)
	digest := ethcrypto.Keccak256([]byte("concurrent payload"))

	const goroutines = 64
	results := make([][]byte, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			sig, err := s.SignDigest(digest)
			assert.NoError(t, err)
			results[idx] = sig
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Equal(t, results[0], results[i], "concurrent signatures over one digest must agree")
	}
}

func TestZero(t *testing.T) {
	s := newTestSigner(t)
	digest := ethcrypto.Keccak256([]byte("zeroed"))

	s.Zero()
	_, err := s.SignDigest(digest)
	assert.Error(t, err, "signer must refuse to sign after Zero")
	assert.Nil(t, s.PublicKey())
}
