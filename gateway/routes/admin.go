package routes

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"moltmart/chain"
	coreerrors "moltmart/core/errors"
	"moltmart/store"
)

func (a *api) listMints(w http.ResponseWriter, r *http.Request) {
	status := store.MintStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	switch status {
	case "", store.MintCompleted, store.MintPendingMint, store.MintPendingTransfer, store.MintManual:
	default:
		a.writeError(w, r, coreerrors.InvalidArgument("unknown mint status "+string(status)))
		return
	}
	limit, offset, err := pagination(r, 50, 200)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	list, err := a.store.ListMints(r.Context(), status, limit, offset)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	economics, err := a.store.MintEconomics(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	views := make([]mintView, 0, len(list))
	for i := range list {
		views = append(views, viewMint(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mints":     views,
		"economics": economics,
		"limit":     limit,
		"offset":    offset,
	})
}

// retryMint re-drives a mint stuck in reconciliation. Completed mints are
// returned unchanged.
func (a *api) retryMint(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, coreerrors.NotFound("mint not found"))
		return
	}
	rec, err := a.minter.RetryTransfer(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.metrics.Mint(string(rec.Status))
	a.logger.Info("mint retried", "mint", rec.ID, "status", rec.Status, "attempts", rec.Attempts)
	writeJSON(w, http.StatusOK, map[string]any{"mint": viewMint(rec)})
}

func (a *api) deleteAgent(w http.ResponseWriter, r *http.Request) {
	wallet, err := chain.NormalizeAddress(chi.URLParam(r, "wallet"))
	if err != nil {
		a.writeError(w, r, coreerrors.InvalidArgument("invalid wallet address"))
		return
	}
	err = a.store.DeleteAgentByWallet(r.Context(), wallet)
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, r, coreerrors.NotFound("agent not found"))
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.logger.Info("agent deleted by operator", "wallet", wallet)
	w.WriteHeader(http.StatusNoContent)
}
