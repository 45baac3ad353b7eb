package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/trufnetwork/attestd/internal/coordinator"
	"github.com/trufnetwork/attestd/internal/types"
)

type issueRequest struct {
	RuleID uuid.UUID          `json:"rule_id"`
	Action types.ActionRecord `json:"action_data"`
}

type issueResponse struct {
	ProofID    uuid.UUID               `json:"proof_id"`
	ProofHash  string                  `json:"proof_hash"`
	RuleMet    bool                    `json:"rule_met"`
	Evaluation []types.ConditionResult `json:"evaluation"`
	Summary    string                  `json:"summary"`
	Cost       json.RawMessage         `json:"cost"`
	OnChain    bool                    `json:"on_chain"`
	VerifyURL  string                  `json:"verify_url"`
	CreatedAt  time.Time               `json:"created_at"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	agent, principal := agentFrom(r.Context())

	var req issueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.RuleID == uuid.Nil {
		s.writeError(w, r, types.NewError(types.CodeValidation, "rule_id is required"))
		return
	}
	if req.Action == nil {
		// An absent record evaluates like an empty one: every condition
		// fails on a missing field.
		req.Action = types.ActionRecord{}
	}

	res, err := s.issuer.Issue(r.Context(), coordinator.IssueRequest{
		Agent:     agent,
		Principal: principal,
		RuleID:    req.RuleID,
		Action:    req.Action,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	p := res.Proof
	s.writeJSON(w, http.StatusCreated, issueResponse{
		ProofID:    p.ID,
		ProofHash:  p.Digest,
		RuleMet:    p.Met,
		Evaluation: p.Results,
		Summary:    p.Summary,
		Cost:       costJSON(p),
		OnChain:    p.OnChain(),
		VerifyURL:  res.VerifyURL,
		CreatedAt:  p.IssuedAt,
	})
}

// costJSON renders the exact decimal unit cost as a JSON number. apd's 'f'
// form never produces an exponent, so the bytes are always valid JSON.
func costJSON(p *types.Proof) json.RawMessage {
	return json.RawMessage(p.UnitCost.Text('f'))
}
