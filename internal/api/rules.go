package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/trufnetwork/attestd/internal/rules"
	"github.com/trufnetwork/attestd/internal/types"
)

type createRuleRequest struct {
	AgentID    uuid.UUID `json:"agent_id"`
	Name       string    `json:"name"`
	Conditions []any     `json:"conditions"`
}

type updateRuleRequest struct {
	Name       string `json:"name"`
	Conditions []any  `json:"conditions"`
}

type ruleView struct {
	RuleID     uuid.UUID         `json:"rule_id"`
	AgentID    uuid.UUID         `json:"agent_id"`
	Name       string            `json:"name"`
	Conditions []types.Condition `json:"conditions"`
	Version    int32             `json:"version"`
	State      string            `json:"state"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type ruleVersionView struct {
	Version    int32             `json:"version"`
	Name       string            `json:"name"`
	Conditions []types.Condition `json:"conditions"`
	ReplacedAt time.Time         `json:"replaced_at"`
}

func ruleViewOf(r *types.Rule) ruleView {
	return ruleView{
		RuleID:     r.ID,
		AgentID:    r.AgentID,
		Name:       r.Name,
		Conditions: r.Conditions,
		Version:    r.Version,
		State:      string(r.State),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	var req createRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.AgentID == uuid.Nil {
		s.writeError(w, r, types.NewError(types.CodeValidation, "agent_id is required"))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeError(w, r, types.NewError(types.CodeValidation, "name is required"))
		return
	}

	agent, err := s.store.GetAgent(r.Context(), req.AgentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if agent.PrincipalID != principal.ID {
		s.writeError(w, r, types.NewError(types.CodeOwnership, "agent belongs to another principal"))
		return
	}
	if agent.State == types.AgentDeleted {
		s.writeError(w, r, types.NewError(types.CodeState, "agent is deleted"))
		return
	}

	conds, err := decodeConditions(req.Conditions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	rule := &types.Rule{
		ID:         uuid.New(),
		AgentID:    agent.ID,
		Name:       req.Name,
		Conditions: conds,
		Version:    1,
		State:      types.RuleActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateRule(r.Context(), rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ruleViewOf(rule))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.ownedRule(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ruleViewOf(rule))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	agentID, err := agentFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.store.ListRules(r.Context(), principal.ID, agentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := lo.Map(list, func(rl *types.Rule, _ int) ruleView { return ruleViewOf(rl) })
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": views})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req updateRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeError(w, r, types.NewError(types.CodeValidation, "name is required"))
		return
	}
	conds, err := decodeConditions(req.Conditions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rule, err := s.store.UpdateRule(r.Context(), id, principal.ID, req.Name, conds, time.Now().UTC())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ruleViewOf(rule))
}

func (s *Server) handleArchiveRule(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.ArchiveRule(r.Context(), id, principal.ID, time.Now().UTC()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRuleVersions(w http.ResponseWriter, r *http.Request) {
	rule, err := s.ownedRule(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	versions, err := s.store.ListRuleVersions(r.Context(), rule.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := lo.Map(versions, func(v *types.RuleVersion, _ int) ruleVersionView {
		return ruleVersionView{
			Version:    v.Version,
			Name:       v.Name,
			Conditions: v.Conditions,
			ReplacedAt: v.ReplacedAt,
		}
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"versions": views})
}

// ownedRule loads the {id} rule and checks it belongs to the calling
// principal through its agent.
func (s *Server) ownedRule(r *http.Request) (*types.Rule, error) {
	principal := principalFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	rule, err := s.store.GetRule(r.Context(), id)
	if err != nil {
		return nil, err
	}
	agent, err := s.store.GetAgent(r.Context(), rule.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.PrincipalID != principal.ID {
		return nil, types.NewError(types.CodeOwnership, "rule belongs to another principal")
	}
	return rule, nil
}

// decodeConditions maps and validates the raw condition list in one step so
// every entry point applies the registration rules identically.
func decodeConditions(raw []any) ([]types.Condition, error) {
	conds, err := rules.DecodeConditions(raw)
	if err != nil {
		return nil, err
	}
	if err := rules.Validate(conds); err != nil {
		return nil, err
	}
	return conds, nil
}
