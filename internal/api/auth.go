package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/trufnetwork/attestd/internal/types"
)

// API keys are opaque bearer tokens: a role prefix plus 32 bytes of entropy
// in hex. Only the SHA-256 of the full token is stored; a lost key cannot be
// recovered, only replaced.
const (
	agentKeyPrefix     = "atk_"
	principalKeyPrefix = "ptk_"
	keyEntropyBytes    = 32
)

// NewAgentKey mints a fresh agent credential. Shown once at creation.
func NewAgentKey() (string, error) {
	return newKey(agentKeyPrefix)
}

// NewPrincipalKey mints a fresh principal management credential.
func NewPrincipalKey() (string, error) {
	return newKey(principalKeyPrefix)
}

func newKey(prefix string) (string, error) {
	buf := make([]byte, keyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "read key entropy")
	}
	return prefix + hex.EncodeToString(buf), nil
}

// HashKey is the at-rest form of a credential.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// agentAuth resolves the agent credential and stashes the agent and its
// principal on the context. State is deliberately not checked here: the
// issuance pipeline distinguishes suspended from unknown, and the two must
// answer differently.
func (s *Server) agentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.writeUnauthorized(w, r, "missing agent credential")
			return
		}
		agent, principal, err := s.store.GetAgentByKeyHash(r.Context(), HashKey(token))
		if err != nil {
			if types.CodeOf(err) == types.CodeNotFound {
				s.writeUnauthorized(w, r, "unknown credential")
				return
			}
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAgent, agent)
		ctx = context.WithValue(ctx, ctxKeyPrincipal, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principalAuth resolves the management credential.
func (s *Server) principalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.writeUnauthorized(w, r, "missing principal credential")
			return
		}
		principal, err := s.store.GetPrincipalByKeyHash(r.Context(), HashKey(token))
		if err != nil {
			if types.CodeOf(err) == types.CodeNotFound {
				s.writeUnauthorized(w, r, "unknown credential")
				return
			}
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyPrincipal, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func agentFrom(ctx context.Context) (*types.Agent, *types.Principal) {
	a, _ := ctx.Value(ctxKeyAgent).(*types.Agent)
	p, _ := ctx.Value(ctxKeyPrincipal).(*types.Principal)
	return a, p
}

func principalFrom(ctx context.Context) *types.Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(*types.Principal)
	return p
}
