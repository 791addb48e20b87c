package routes

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"moltmart/chain"
	coreerrors "moltmart/core/errors"
	"moltmart/gateway/middleware"
	"moltmart/identity"
	"moltmart/observability/logging"
	"moltmart/ownership"
	"moltmart/ratelimit"
	"moltmart/store"
)

const apiKeyPrefix = "mm_"

type registerRequest struct {
	WalletAddress string `json:"walletAddress"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	MoltxHandle   string `json:"moltxHandle"`
	GithubHandle  string `json:"githubHandle"`
	Signature     string `json:"signature"`
	TxHash        string `json:"txHash"`
}

func (a *api) signatureChallenge(w http.ResponseWriter, r *http.Request) {
	issued, err := a.ownership.IssueSignature(r.Context(), r.URL.Query().Get("walletAddress"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.metrics.ChallengeIssued("signature")
	writeJSON(w, http.StatusOK, issued)
}

func (a *api) onchainChallenge(w http.ResponseWriter, r *http.Request) {
	issued, err := a.ownership.IssueOnchain(r.Context(), r.URL.Query().Get("walletAddress"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.metrics.ChallengeIssued("onchain")
	writeJSON(w, http.StatusOK, issued)
}

// register proves wallet ownership and issues the agent's API key. The key
// is only ever returned here; the store keeps its digest.
func (a *api) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req registerRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	wallet, err := chain.NormalizeAddress(req.WalletAddress)
	if err != nil {
		a.writeError(w, r, coreerrors.InvalidArgument("invalid wallet address"))
		return
	}
	agent := &store.Agent{WalletAddress: wallet}
	if agent.Name, err = displayName("name", req.Name, maxNameRunes, true); err != nil {
		a.writeError(w, r, err)
		return
	}
	if agent.Description, err = cleanDescription(req.Description); err != nil {
		a.writeError(w, r, err)
		return
	}
	if agent.MoltxHandle, err = socialHandle("moltxHandle", req.MoltxHandle); err != nil {
		a.writeError(w, r, err)
		return
	}
	if agent.GithubHandle, err = socialHandle("githubHandle", req.GithubHandle); err != nil {
		a.writeError(w, r, err)
		return
	}
	proof, err := ownership.ResolveProof(req.Signature, req.TxHash)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	// Checked before the proof so a duplicate does not burn the challenge.
	switch _, err := a.store.AgentByWallet(ctx, wallet); {
	case err == nil:
		a.writeError(w, r, coreerrors.New(coreerrors.CodeConflict, "wallet already registered"))
		return
	case !errors.Is(err, store.ErrNotFound):
		a.writeError(w, r, err)
		return
	}

	normalized, err := a.ownership.Verify(ctx, wallet, proof)
	a.metrics.OwnershipProof(proof.Method.String(), outcome(err))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	agent.WalletAddress = normalized

	apiKey, err := newAPIKey()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	agent.APIKeyHash = middleware.HashAPIKey(apiKey)

	badge, err := a.minter.Credentials(ctx, normalized)
	if err != nil {
		a.logger.Warn("identity lookup failed", "wallet", normalized, "error", err)
		badge = identity.Badge{}
	}
	if badge.HasIdentity {
		agent.HasIdentity = true
		agent.IdentityRegistry = badge.RegistryRef
	}

	if err := a.store.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrConflict) {
			a.writeError(w, r, coreerrors.New(coreerrors.CodeConflict, "wallet already registered"))
			return
		}
		a.writeError(w, r, err)
		return
	}
	if badge.TokenID != "" {
		revoked, err := a.store.AssignIdentity(ctx, normalized, badge.TokenID, badge.RegistryRef)
		if err != nil {
			a.logger.Error("assign identity failed", "wallet", normalized, "token", badge.TokenID, "error", err)
		} else {
			agent.IdentityTokenID = badge.TokenID
			if len(revoked) > 0 {
				a.logger.Info("identity badge revoked", "token", badge.TokenID, "wallets", revoked)
			}
		}
	}

	a.logger.Info("agent registered",
		"wallet", normalized,
		"proof", proof.Method.String(),
		logging.MaskField("api_key", apiKey))
	writeJSON(w, http.StatusCreated, map[string]any{
		"agent":    viewAgent(agent),
		"apiKey":   apiKey,
		"identity": badge,
		"message":  "Store this API key now; it will not be shown again.",
	})
}

func (a *api) me(w http.ResponseWriter, r *http.Request) {
	agent, ok := middleware.AgentFromContext(r.Context())
	if !ok {
		a.writeError(w, r, errNoAgent)
		return
	}
	remaining, err := a.listings.Remaining(r.Context(), agent.WalletAddress)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":             viewAgent(agent),
		"listingsRemaining": remaining,
	})
}

func (a *api) listAgents(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r, 20, 100)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	agents, total, err := a.store.ListAgents(r.Context(), limit, offset)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	views := make([]agentView, 0, len(agents))
	for i := range agents {
		views = append(views, viewAgent(&agents[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": views,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *api) getAgent(w http.ResponseWriter, r *http.Request) {
	wallet, err := chain.NormalizeAddress(chi.URLParam(r, "wallet"))
	if err != nil {
		a.writeError(w, r, coreerrors.InvalidArgument("invalid wallet address"))
		return
	}
	agent, err := a.store.AgentByWallet(r.Context(), wallet)
	if errors.Is(err, store.ErrNotFound) {
		a.writeError(w, r, coreerrors.NotFound("agent not found"))
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAgent(agent))
}

// agentReputation reports the on-chain reputation of a badged agent.
func (a *api) agentReputation(w http.ResponseWriter, r *http.Request) {
	wallet, err := chain.NormalizeAddress(chi.URLParam(r, "wallet"))
	if err != nil {
		a.writeError(w, r, coreerrors.InvalidArgument("invalid wallet address"))
		return
	}
	standing, err := a.reputation.Of(r.Context(), wallet)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reputation": standing})
}

func windowsView(windows []ratelimit.Window) []string {
	out := make([]string, 0, len(windows))
	for _, w := range windows {
		out = append(out, w.String())
	}
	return out
}

func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}

// outcome is the metrics label for err.
func outcome(err error) string {
	if err == nil {
		return ""
	}
	return string(coreerrors.CodeOf(err))
}
