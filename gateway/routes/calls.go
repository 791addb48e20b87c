package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	coreerrors "moltmart/core/errors"
	"moltmart/gateway/middleware"
	"moltmart/payment"
	"moltmart/relay"
	"moltmart/x402"
)

// callEnvelope wraps the seller request when paying with an on-chain transfer.
type callEnvelope struct {
	WalletAddress string          `json:"walletAddress"`
	TxHash        string          `json:"txHash"`
	Request       json.RawMessage `json:"request"`
}

// callService relays a paid call to the seller and returns the seller's
// answer verbatim. With an X-PAYMENT header the request body is forwarded
// as is; otherwise it is read as a callEnvelope.
func (a *api) callService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agent, ok := middleware.AgentFromContext(ctx)
	if !ok {
		a.writeError(w, r, errNoAgent)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, coreerrors.NotFound("service not found"))
		return
	}
	svc, err := a.relay.Lookup(ctx, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	raw, err := a.readBody(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	body, contentType := raw, r.Header.Get("Content-Type")
	payer, txHash := agent.WalletAddress, ""
	if strings.TrimSpace(r.Header.Get(x402.HeaderPayment)) == "" {
		var env callEnvelope
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &env); err != nil {
				a.writeError(w, r, coreerrors.InvalidArgument("body must be a JSON object with txHash and request when paying on-chain"))
				return
			}
		}
		txHash = env.TxHash
		if wallet := strings.TrimSpace(env.WalletAddress); wallet != "" {
			payer = wallet
		}
		body, contentType = env.Request, "application/json"
		if len(bytes.TrimSpace(body)) == 0 {
			body = []byte("{}")
		}
	}

	receipt, ok := a.collectPayment(w, r, paymentRequest{
		action:      payment.ActionCall,
		wallet:      payer,
		resourceID:  svc.ID.String(),
		txHash:      txHash,
		description: "Call " + svc.Name,
	})
	if !ok {
		return
	}
	// Paid: a client disconnect must not cut the call short.
	ctx = context.WithoutCancel(ctx)

	result, err := a.relay.Relay(ctx, relay.Request{
		ServiceID:   svc.ID,
		BuyerWallet: agent.WalletAddress,
		BuyerName:   agent.Name,
		Body:        body,
		ContentType: contentType,
		Payment:     relay.Payment{Method: receipt.Method.String(), Ref: receipt.Ref},
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set(relay.HeaderTx, result.TransactionID.String())
	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
}
