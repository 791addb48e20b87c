package routes

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	coreerrors "moltmart/core/errors"
	"moltmart/payment"
	"moltmart/x402"
)

// paid is an admitted payment for one action.
type paid struct {
	Method         payment.Method
	Payer          string
	Ref            string
	PaidMinorUnits uint64
}

type onchainHint struct {
	Challenge        string `json:"challenge"`
	Recipient        string `json:"recipient"`
	AmountMinorUnits uint64 `json:"amountMinorUnits"`
	Amount           string `json:"amount"`
	Token            string `json:"token"`
	ChainID          int64  `json:"chainId"`
}

// paymentRequiredBody is the 402 answer: the x402 descriptor plus how to pay
// with a plain on-chain transfer instead.
type paymentRequiredBody struct {
	x402.PaymentRequiredResponse
	Code    string       `json:"code"`
	Reason  string       `json:"reason,omitempty"`
	Phase   string       `json:"phase,omitempty"`
	Onchain *onchainHint `json:"onchain,omitempty"`
}

type paymentRequest struct {
	action      payment.Action
	wallet      string
	resourceID  string
	txHash      string
	description string
}

func (a *api) paymentChallenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	action, err := payment.ParseAction(q.Get("action"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	issued, err := a.payments.Issue(r.Context(), action, q.Get("walletAddress"), q.Get("resourceId"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.metrics.ChallengeIssued("payment_" + string(action))
	writeJSON(w, http.StatusOK, issued)
}

// collectPayment admits the request only after payment for req.action was
// proven, either by an X-PAYMENT header settled through the facilitator or
// by a token transfer answering an issued challenge. When it returns false
// the response was already written.
func (a *api) collectPayment(w http.ResponseWriter, r *http.Request, req paymentRequest) (*paid, bool) {
	header := r.Header.Get(x402.HeaderPayment)
	method, err := payment.ResolveMethod(header, req.txHash)
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	recipient, amount, err := a.payments.Quote(r.Context(), req.action, req.resourceID)
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	requirement := a.requirement(r, recipient, amount, req.description)

	switch method {
	case payment.MethodNone:
		a.metrics.Payment(method.String(), string(req.action), string(coreerrors.CodePaymentRequired))
		a.writePaymentRequired(w, r, req, requirement, recipient, amount, coreerrors.New(coreerrors.CodePaymentRequired, "payment required"))
		return nil, false

	case payment.MethodDelegated:
		if requirement == nil || !a.gate.Enabled() {
			a.metrics.Payment(method.String(), string(req.action), string(coreerrors.CodeUpstreamUnavailable))
			a.writeError(w, r, coreerrors.New(coreerrors.CodeUpstreamUnavailable, "x402 payments not configured"))
			return nil, false
		}
		settlement, err := a.gate.Process(r.Context(), header, *requirement)
		if err != nil {
			a.metrics.Payment(method.String(), string(req.action), string(coreerrors.CodeOf(err)))
			switch coreerrors.CodeOf(err) {
			case coreerrors.CodePaymentVerifyFailed, coreerrors.CodePaymentSettleFailed:
				typed, _ := coreerrors.As(err)
				if typed.Cause != nil {
					a.logger.Warn("facilitator call failed", "action", req.action, "error", typed.Cause)
				}
				a.writePaymentRequired(w, r, req, requirement, recipient, amount, typed)
			default:
				a.writeError(w, r, err)
			}
			return nil, false
		}
		a.metrics.Payment(method.String(), string(req.action), "")
		w.Header().Set(x402.HeaderPaymentResponse, settlement.Header)
		return &paid{Method: method, Payer: settlement.Payer, Ref: settlement.Transaction, PaidMinorUnits: amount}, true

	default:
		receipt, err := a.payments.Verify(r.Context(), req.action, req.wallet, req.resourceID, req.txHash)
		if err != nil {
			a.metrics.Payment(method.String(), string(req.action), string(coreerrors.CodeOf(err)))
			a.writeError(w, r, err)
			return nil, false
		}
		a.metrics.Payment(method.String(), string(req.action), "")
		out := &paid{Method: method, Payer: receipt.Payer, Ref: receipt.TxHash, PaidMinorUnits: receipt.AmountMinorUnits}
		if receipt.PaidMinorUnits != nil && receipt.PaidMinorUnits.IsUint64() {
			out.PaidMinorUnits = receipt.PaidMinorUnits.Uint64()
		}
		return out, true
	}
}

func (a *api) requirement(r *http.Request, payTo string, amount uint64, description string) *x402.Requirement {
	if a.gate == nil {
		return nil
	}
	req := a.gate.Requirement(payTo, strconv.FormatUint(amount, 10), a.resourceURL(r), description)
	return &req
}

func (a *api) resourceURL(r *http.Request) string {
	return a.baseURL(r) + r.URL.Path
}

func (a *api) baseURL(r *http.Request) string {
	if base := strings.TrimRight(a.info.PublicURL, "/"); base != "" {
		return base
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (a *api) writePaymentRequired(w http.ResponseWriter, r *http.Request, req paymentRequest, requirement *x402.Requirement, recipient string, amount uint64, cause *coreerrors.Error) {
	body := paymentRequiredBody{
		PaymentRequiredResponse: x402.PaymentRequiredResponse{
			X402Version: x402.Version,
			Error:       cause.Message,
			Accepts:     []x402.Requirement{},
		},
		Code:   string(cause.Code),
		Reason: cause.Reason,
	}
	if requirement != nil {
		body.PaymentRequiredResponse = x402.PaymentRequired(*requirement, cause.Message)
	}
	if phase, ok := cause.Details["phase"].(string); ok {
		body.Phase = phase
	}
	query := url.Values{"action": {string(req.action)}}
	if req.resourceID != "" {
		query.Set("resourceId", req.resourceID)
	}
	body.Onchain = &onchainHint{
		Challenge:        a.baseURL(r) + "/payment/challenge?" + query.Encode(),
		Recipient:        recipient,
		AmountMinorUnits: amount,
		Amount:           payment.FormatAmount(amount, a.info.TokenDecimals),
		Token:            a.info.Token,
		ChainID:          a.info.ChainID,
	}
	writeJSON(w, coreerrors.HTTPStatus(cause.Code), body)
}
