package routes

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"moltmart/chain"
	coreerrors "moltmart/core/errors"
	"moltmart/gateway/middleware"
	"moltmart/identity"
	"moltmart/payment"
	"moltmart/store"
)

type mintRequest struct {
	WalletAddress string `json:"walletAddress"`
	TxHash        string `json:"txHash"`
}

type verifyIdentityRequest struct {
	TokenID string `json:"tokenId"`
}

// mintIdentity collects the mint fee and mints a badge to the caller. A mint
// whose transfer leg failed is answered 202 and left for reconciliation.
func (a *api) mintIdentity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agent, ok := middleware.AgentFromContext(ctx)
	if !ok {
		a.writeError(w, r, errNoAgent)
		return
	}
	if !a.minter.Enabled() {
		a.writeError(w, r, coreerrors.New(coreerrors.CodeUpstreamUnavailable, "identity registry not configured"))
		return
	}
	if agent.HasIdentity {
		a.writeError(w, r, coreerrors.New(coreerrors.CodeConflict, "agent already holds an identity badge").
			WithDetail("tokenId", agent.IdentityTokenID))
		return
	}
	var req mintRequest
	raw, err := a.readBody(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(string(raw)) != "" {
		if err := decodeBytes(raw, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	payer := strings.TrimSpace(req.WalletAddress)
	if payer == "" {
		payer = agent.WalletAddress
	}
	receipt, ok := a.collectPayment(w, r, paymentRequest{
		action:      payment.ActionMint,
		wallet:      payer,
		txHash:      req.TxHash,
		description: "MoltMart identity badge",
	})
	if !ok {
		return
	}

	rec, err := a.minter.MintFor(ctx, agent.WalletAddress, identity.Payment{
		Method:         receipt.Method.String(),
		Ref:            receipt.Ref,
		PaidMinorUnits: receipt.PaidMinorUnits,
	})
	if err != nil {
		a.logger.Error("mint failed after payment",
			"wallet", agent.WalletAddress,
			"payment_method", receipt.Method.String(),
			"payment_ref", receipt.Ref,
			"error", err)
		a.writeError(w, r, err)
		return
	}
	a.metrics.Mint(string(rec.Status))
	status := http.StatusAccepted
	if rec.Status == store.MintCompleted {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"mint": viewMint(rec)})
}

// verifyIdentity links a badge the caller already owns on-chain.
func (a *api) verifyIdentity(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		a.writeError(w, r, errNoAgent)
		return
	}
	var req verifyIdentityRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.TokenID) == "" {
		a.writeError(w, r, coreerrors.InvalidArgument("tokenId required"))
		return
	}
	badge, revoked, err := a.minter.VerifyToken(r.Context(), agent.WalletAddress, req.TokenID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if revoked == nil {
		revoked = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": badge, "revoked": revoked})
}

func (a *api) identityOf(w http.ResponseWriter, r *http.Request) {
	wallet, err := chain.NormalizeAddress(chi.URLParam(r, "wallet"))
	if err != nil {
		a.writeError(w, r, coreerrors.InvalidArgument("invalid wallet address"))
		return
	}
	badge, err := a.minter.Credentials(r.Context(), wallet)
	if err != nil {
		if _, typed := coreerrors.As(err); !typed {
			err = coreerrors.Wrap(coreerrors.CodeUpstreamUnavailable, "registry lookup failed", err)
		}
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"walletAddress": wallet, "identity": badge})
}
