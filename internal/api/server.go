// Package api is the HTTP surface of the service: public verification,
// agent-credentialed issuance, and the principal-credentialed management API
// under /v1. Handlers translate classified service errors into the
// {error, code, status} body; credentials are resolved per request from
// their SHA-256 hashes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/trufnetwork/attestd/internal/coordinator"
	"github.com/trufnetwork/attestd/internal/metrics"
	"github.com/trufnetwork/attestd/internal/store"
	"github.com/trufnetwork/attestd/internal/types"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
	maxBodyBytes     = 1 << 20

	shutdownGrace = 10 * time.Second
)

// Store is the persistence surface the handlers drive. *store.Store
// satisfies it; tests substitute an in-memory implementation.
type Store interface {
	Health(ctx context.Context) error

	GetAgentByKeyHash(ctx context.Context, keyHash string) (*types.Agent, *types.Principal, error)
	GetPrincipalByKeyHash(ctx context.Context, keyHash string) (*types.Principal, error)

	CreateAgent(ctx context.Context, a *types.Agent, apiKeyHash string) error
	GetAgent(ctx context.Context, id uuid.UUID) (*types.Agent, error)
	ListAgents(ctx context.Context, principalID uuid.UUID) ([]*types.Agent, error)
	SetAgentState(ctx context.Context, id, principalID uuid.UUID, state types.AgentState) error

	CreateRule(ctx context.Context, r *types.Rule) error
	GetRule(ctx context.Context, id uuid.UUID) (*types.Rule, error)
	ListRules(ctx context.Context, principalID uuid.UUID, agentID *uuid.UUID) ([]*types.Rule, error)
	UpdateRule(ctx context.Context, id, principalID uuid.UUID, name string, conditions []types.Condition, now time.Time) (*types.Rule, error)
	ArchiveRule(ctx context.Context, id, principalID uuid.UUID, now time.Time) error
	ListRuleVersions(ctx context.Context, ruleID uuid.UUID) ([]*types.RuleVersion, error)

	GetProof(ctx context.Context, id uuid.UUID) (*types.Proof, error)
	ListProofs(ctx context.Context, principalID uuid.UUID, agentID *uuid.UUID, limit, offset int) ([]*types.Proof, error)

	GetBatch(ctx context.Context, id uuid.UUID) (*types.Batch, error)
	ListBatches(ctx context.Context, limit, offset int) ([]*types.Batch, error)
	BatchLeaves(ctx context.Context, batchID uuid.UUID) ([]string, error)

	CurrentUsage(ctx context.Context, principalID uuid.UUID, period civil.Date) (int64, error)
}

var _ Store = (*store.Store)(nil)

// Issuer runs the issuance pipeline. *coordinator.Coordinator satisfies it.
type Issuer interface {
	Issue(ctx context.Context, req coordinator.IssueRequest) (*coordinator.IssueResult, error)
}

// Config is the HTTP-layer slice of the process configuration.
type Config struct {
	Listen    string
	RateRPS   float64
	RateBurst int
}

type Server struct {
	cfg      Config
	store    Store
	issuer   Issuer
	recorder metrics.Recorder
	logger   *zap.Logger
	limiter  *limiterPool
}

func New(cfg Config, st Store, issuer Issuer, rec metrics.Recorder, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		issuer:   issuer,
		recorder: rec,
		logger:   logger,
		limiter:  newLimiterPool(cfg.RateRPS, cfg.RateBurst),
	}
}

// Router assembles the full route tree. Rate limiting runs before
// authentication so throttled callers never touch storage.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeErrorBody(w, r, http.StatusNotFound, string(types.CodeNotFound), "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeErrorBody(w, r, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
	})

	// Liveness stays unthrottled: orchestrators poll it.
	r.Get("/health", s.handleHealth)

	// Public verification, CORS-open so proofs embed anywhere.
	r.Group(func(pub chi.Router) {
		pub.Use(cors.AllowAll().Handler)
		pub.Use(s.rateLimit)
		pub.Get("/verify/{id}", s.handleVerify)
		pub.Get("/verify/{id}/proof", s.handleInclusionProof)
	})

	// Issuance, agent credential.
	r.Group(func(issue chi.Router) {
		issue.Use(s.rateLimit)
		issue.Use(s.agentAuth)
		issue.Post("/issue", s.handleIssue)
	})

	// Management, principal credential.
	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.rateLimit)
		v1.Use(s.principalAuth)

		v1.Post("/agents", s.handleCreateAgent)
		v1.Get("/agents", s.handleListAgents)
		v1.Post("/agents/{id}/suspend", s.handleSuspendAgent)
		v1.Post("/agents/{id}/activate", s.handleActivateAgent)
		v1.Delete("/agents/{id}", s.handleDeleteAgent)

		v1.Post("/rules", s.handleCreateRule)
		v1.Get("/rules", s.handleListRules)
		v1.Get("/rules/{id}", s.handleGetRule)
		v1.Put("/rules/{id}", s.handleUpdateRule)
		v1.Post("/rules/{id}/archive", s.handleArchiveRule)
		v1.Get("/rules/{id}/versions", s.handleListRuleVersions)

		v1.Get("/proofs", s.handleListProofs)
		v1.Get("/proofs/{id}", s.handleGetProof)
		v1.Get("/usage", s.handleUsage)

		v1.Get("/batches", s.handleListBatches)
		v1.Get("/batches/{id}", s.handleGetBatch)
	})

	return r
}

// ListenAndServe blocks until the context is done or the listener fails,
// then drains in-flight requests within the shutdown grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Listen))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("http server stopped")
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Health(r.Context()); err != nil {
		s.writeErrorBody(w, r, http.StatusServiceUnavailable, string(types.CodeInternal), "storage unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// pathID parses the {id} route parameter.
func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, types.NewError(types.CodeValidation, "malformed id in path")
	}
	return id, nil
}

// pageParams parses limit/offset with the service defaults.
func pageParams(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = parseBoundedInt(raw, 1, maxPageLimit)
		if err != nil {
			return 0, 0, types.NewError(types.CodeValidation, "limit must be an integer in [1,%d]", maxPageLimit)
		}
	}
	offset = 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = parseBoundedInt(raw, 0, 1<<30)
		if err != nil {
			return 0, 0, types.NewError(types.CodeValidation, "offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// agentFilter parses the optional agent_id query parameter.
func agentFilter(r *http.Request) (*uuid.UUID, error) {
	raw := r.URL.Query().Get("agent_id")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, types.NewError(types.CodeValidation, "agent_id must be a UUID")
	}
	return &id, nil
}
