package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/trufnetwork/attestd/internal/billing"
	"github.com/trufnetwork/attestd/internal/types"
)

// proofView is the owner's view of a proof. Even the owner never sees the
// signature envelope; signatures do not leave the service.
type proofView struct {
	ProofID     uuid.UUID               `json:"proof_id"`
	AgentID     uuid.UUID               `json:"agent_id"`
	RuleID      uuid.UUID               `json:"rule_id"`
	RuleVersion int32                   `json:"rule_version"`
	Action      types.ActionRecord      `json:"action"`
	Evaluation  []types.ConditionResult `json:"evaluation"`
	RuleMet     bool                    `json:"rule_met"`
	Summary     string                  `json:"summary"`
	ProofHash   string                  `json:"proof_hash"`
	Nonce       int64                   `json:"nonce"`
	Cost        json.RawMessage         `json:"cost"`
	OnChain     bool                    `json:"on_chain"`
	LedgerTxRef string                  `json:"ledger_tx_ref,omitempty"`
	BatchID     *uuid.UUID              `json:"batch_id,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
}

func proofViewOf(p *types.Proof) proofView {
	v := proofView{
		ProofID:     p.ID,
		AgentID:     p.AgentID,
		RuleID:      p.RuleID,
		RuleVersion: p.RuleVersion,
		Action:      p.Action,
		Evaluation:  p.Results,
		RuleMet:     p.Met,
		Summary:     p.Summary,
		ProofHash:   p.Digest,
		Nonce:       p.Nonce,
		Cost:        costJSON(p),
		OnChain:     p.OnChain(),
		BatchID:     p.BatchID,
		CreatedAt:   p.IssuedAt,
	}
	if p.LedgerTxRef != nil {
		v.LedgerTxRef = *p.LedgerTxRef
	}
	return v
}

func (s *Server) handleListProofs(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	agentID, err := agentFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	proofs, err := s.store.ListProofs(r.Context(), principal.ID, agentID, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := lo.Map(proofs, func(p *types.Proof, _ int) proofView { return proofViewOf(p) })
	s.writeJSON(w, http.StatusOK, map[string]any{
		"proofs": views,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.store.GetProof(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agent, err := s.store.GetAgent(r.Context(), p.AgentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if agent.PrincipalID != principal.ID {
		s.writeError(w, r, types.NewError(types.CodeOwnership, "proof belongs to another principal"))
		return
	}
	s.writeJSON(w, http.StatusOK, proofViewOf(p))
}

type usageResponse struct {
	Tier        string          `json:"tier"`
	PeriodStart string          `json:"period_start"`
	Used        int64           `json:"used"`
	Limit       int64           `json:"limit"`
	Remaining   int64           `json:"remaining"`
	UnitCost    json.RawMessage `json:"unit_cost"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	plan, err := billing.PlanFor(principal.Tier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	period := billing.PeriodStart(time.Now())
	used, err := s.store.CurrentUsage(r.Context(), principal.ID, period)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, usageResponse{
		Tier:        string(principal.Tier),
		PeriodStart: period.String(),
		Used:        used,
		Limit:       plan.MonthlyQuota,
		Remaining:   plan.Remaining(used),
		UnitCost:    json.RawMessage(plan.UnitCost.Text('f')),
	})
}
