package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/trufnetwork/attestd/internal/types"
)

type createAgentRequest struct {
	Name string `json:"name"`
}

// createAgentResponse carries the credential exactly once. Only its hash is
// stored; there is no retrieval path.
type createAgentResponse struct {
	AgentID   uuid.UUID `json:"agent_id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	APIKey    string    `json:"api_key"`
	CreatedAt time.Time `json:"created_at"`
}

type agentView struct {
	AgentID   uuid.UUID `json:"agent_id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Nonce     int64     `json:"nonce"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())

	var req createAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeError(w, r, types.NewError(types.CodeValidation, "name is required"))
		return
	}

	key, err := NewAgentKey()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agent := &types.Agent{
		ID:          uuid.New(),
		PrincipalID: principal.ID,
		Name:        req.Name,
		State:       types.AgentActive,
		Nonce:       0,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateAgent(r.Context(), agent, HashKey(key)); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, createAgentResponse{
		AgentID:   agent.ID,
		Name:      agent.Name,
		State:     string(agent.State),
		APIKey:    key,
		CreatedAt: agent.CreatedAt,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	agents, err := s.store.ListAgents(r.Context(), principal.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := lo.Map(agents, func(a *types.Agent, _ int) agentView {
		return agentView{
			AgentID:   a.ID,
			Name:      a.Name,
			State:     string(a.State),
			Nonce:     a.Nonce,
			CreatedAt: a.CreatedAt,
		}
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

func (s *Server) handleSuspendAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgentState(w, r, types.AgentSuspended)
}

func (s *Server) handleActivateAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgentState(w, r, types.AgentActive)
}

// handleDeleteAgent tombstones the agent. The row stays so issued proofs
// keep their provenance and the nonce sequence is never reused.
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	s.setAgentState(w, r, types.AgentDeleted)
}

func (s *Server) setAgentState(w http.ResponseWriter, r *http.Request, state types.AgentState) {
	principal := principalFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.SetAgentState(r.Context(), id, principal.ID, state); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
