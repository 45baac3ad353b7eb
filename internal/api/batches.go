package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/trufnetwork/attestd/internal/types"
)

type batchView struct {
	BatchID     uuid.UUID `json:"batch_id"`
	Root        string    `json:"root"`
	LeafCount   int32     `json:"leaf_count"`
	LedgerTxRef string    `json:"ledger_tx_ref"`
	CommittedAt time.Time `json:"committed_at"`
}

func batchViewOf(b *types.Batch) batchView {
	return batchView{
		BatchID:     b.ID,
		Root:        b.Root,
		LeafCount:   b.LeafCount,
		LedgerTxRef: b.LedgerTxRef,
		CommittedAt: b.CommittedAt,
	}
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	batches, err := s.store.ListBatches(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := lo.Map(batches, func(b *types.Batch, _ int) batchView { return batchViewOf(b) })
	s.writeJSON(w, http.StatusOK, map[string]any{
		"batches": views,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.store.GetBatch(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, batchViewOf(b))
}
