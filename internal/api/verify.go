package api

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/trufnetwork/attestd/internal/canonical"
	"github.com/trufnetwork/attestd/internal/merkle"
	"github.com/trufnetwork/attestd/internal/types"
)

// verifyResponse is the public view of a proof. It never carries the
// signature, encrypted or plaintext.
type verifyResponse struct {
	ProofID     uuid.UUID               `json:"proof_id"`
	ProofHash   string                  `json:"proof_hash"`
	RuleMet     bool                    `json:"rule_met"`
	Evaluation  []types.ConditionResult `json:"evaluation"`
	Summary     string                  `json:"summary"`
	OnChain     bool                    `json:"on_chain"`
	LedgerTxRef string                  `json:"ledger_tx_ref,omitempty"`
	BatchID     *uuid.UUID              `json:"batch_id,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.store.GetProof(r.Context(), id)
	if err != nil {
		s.recorder.RecordVerification(r.Context(), false)
		s.writeError(w, r, err)
		return
	}
	s.recorder.RecordVerification(r.Context(), true)

	resp := verifyResponse{
		ProofID:    p.ID,
		ProofHash:  p.Digest,
		RuleMet:    p.Met,
		Evaluation: p.Results,
		Summary:    p.Summary,
		OnChain:    p.OnChain(),
		BatchID:    p.BatchID,
		CreatedAt:  p.IssuedAt,
	}
	if p.LedgerTxRef != nil {
		resp.LedgerTxRef = *p.LedgerTxRef
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// inclusionResponse carries everything an external verifier needs: the leaf,
// the sibling path, and the committed root. Verification hashes sorted pairs
// up the path, so no left/right flags are needed.
type inclusionResponse struct {
	ProofID     uuid.UUID `json:"proof_id"`
	Digest      string    `json:"digest"`
	BatchID     uuid.UUID `json:"batch_id"`
	Root        string    `json:"root"`
	LeafCount   int32     `json:"leaf_count"`
	LedgerTxRef string    `json:"ledger_tx_ref"`
	Path        []string  `json:"path"`
}

func (s *Server) handleInclusionProof(w http.ResponseWriter, r *http.Request) {
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
	if p.BatchID == nil {
		s.writeError(w, r, types.NewError(types.CodeState, "proof is not yet batched"))
		return
	}

	batch, err := s.store.GetBatch(r.Context(), *p.BatchID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	leaves, err := s.store.BatchLeaves(r.Context(), batch.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	index := -1
	leafBytes := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		d, err := canonical.ParseDigestHex(leaf)
		if err != nil {
			s.writeError(w, r, types.WrapError(types.CodeIntegrity, err, "batch contains a malformed leaf"))
			return
		}
		leafBytes[i] = d[:]
		if leaf == p.Digest {
			index = i
		}
	}
	if index < 0 {
		s.writeError(w, r, types.NewError(types.CodeIntegrity, "proof digest missing from its batch"))
		return
	}

	tree, err := merkle.NewTree(leafBytes)
	if err != nil {
		s.writeError(w, r, types.WrapError(types.CodeIntegrity, err, "batch leaves do not form a tree"))
		return
	}
	if tree.RootHex() != batch.Root {
		s.writeError(w, r, types.NewError(types.CodeIntegrity, "recomputed root does not match the committed batch"))
		return
	}
	path, err := tree.Proof(index)
	if err != nil {
		s.writeError(w, r, types.WrapError(types.CodeInternal, err, "build inclusion path"))
		return
	}

	s.writeJSON(w, http.StatusOK, inclusionResponse{
		ProofID:     p.ID,
		Digest:      p.Digest,
		BatchID:     batch.ID,
		Root:        batch.Root,
		LeafCount:   batch.LeafCount,
		LedgerTxRef: batch.LedgerTxRef,
		Path:        lo.Map(path, func(sib []byte, _ int) string { return hexutil.Encode(sib) }),
	})
}
