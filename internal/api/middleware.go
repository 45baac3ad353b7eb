package api

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/trufnetwork/attestd/internal/types"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyAgent
	ctxKeyPrincipal
)

// requestID tags every request with an X-Request-ID, reusing the client's if
// it sent one. The id rides the context so error responses and logs line up.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// recoverer converts handler panics into 500s instead of dropping the
// connection.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in handler",
					zap.String("request_id", requestIDFrom(r.Context())),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.String("stack", string(debug.Stack())))
				s.writeErrorBody(w, r, http.StatusInternalServerError, string(types.CodeInternal), "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces token buckets per peer address and, when a credential
// is presented, per credential. It keys on the hash of the presented token
// so unauthenticated floods with guessed keys still get throttled without a
// storage lookup.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow("ip:" + peerIP(r)) {
			s.recorder.RecordRateLimited(r.Context(), "ip")
			s.writeRateLimited(w, r)
			return
		}
		if token, ok := bearerToken(r); ok {
			if !s.limiter.allow("key:" + HashKey(token)) {
				s.recorder.RecordRateLimited(r.Context(), "credential")
				s.writeRateLimited(w, r)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// peerIP extracts the remote address without the port.
func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.Trim(r.RemoteAddr, "[]")
	}
	return host
}

const (
	limiterSweepEvery = time.Minute
	limiterIdleTTL    = 3 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool keeps one token bucket per key. Idle buckets are swept
// opportunistically on the next allow call after the sweep interval, so the
// pool needs no background goroutine.
type limiterPool struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rps       rate.Limit
	burst     int
	lastSweep time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	return &limiterPool{
		buckets:   make(map[string]*bucket),
		rps:       rate.Limit(rps),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

func (lp *limiterPool) allow(key string) bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	now := time.Now()
	if now.Sub(lp.lastSweep) > limiterSweepEvery {
		for k, b := range lp.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(lp.buckets, k)
			}
		}
		lp.lastSweep = now
	}

	b, ok := lp.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(lp.rps, lp.burst)}
		lp.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}
