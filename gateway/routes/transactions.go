package routes

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	coreerrors "moltmart/core/errors"
	"moltmart/gateway/middleware"
	"moltmart/ledger"
)

func (a *api) listTransactions(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		a.writeError(w, r, errNoAgent)
		return
	}
	limit, offset, err := pagination(r, 20, 100)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	list, total, err := a.ledger.ListByWallet(r.Context(), agent.WalletAddress, limit, offset)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": list,
		"total":        total,
		"limit":        limit,
		"offset":       offset,
	})
}

// getTransaction shows a ledger entry to its buyer or seller. Anyone else
// gets the same answer as for an unknown id.
func (a *api) getTransaction(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		a.writeError(w, r, errNoAgent)
		return
	}
	notFound := coreerrors.NotFound("transaction not found")
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, notFound)
		return
	}
	tx, err := a.ledger.Get(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		a.writeError(w, r, notFound)
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !strings.EqualFold(tx.BuyerWallet, agent.WalletAddress) && !strings.EqualFold(tx.SellerWallet, agent.WalletAddress) {
		a.writeError(w, r, notFound)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}
