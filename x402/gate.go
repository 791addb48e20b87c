package x402

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	coreerrors "moltmart/core/errors"
)

// Phase names the facilitator step that rejected a payment.
type Phase string

const (
	PhaseVerify Phase = "verify"
	PhaseSettle Phase = "settle"
)

// Config describes the asset and network requirements are issued for.
type Config struct {
	Network           string
	Asset             string
	AssetName         string
	AssetVersion      string
	MaxTimeoutSeconds int
}

// Gate issues requirements and admits payments that the facilitator settled.
type Gate struct {
	facilitator Facilitator
	cfg         Config
}

// NewGate builds a gate. A zero MaxTimeoutSeconds defaults to 60.
func NewGate(facilitator Facilitator, cfg Config) *Gate {
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 60
	}
	return &Gate{facilitator: facilitator, cfg: cfg}
}

// Enabled reports whether delegated payments can be processed.
func (g *Gate) Enabled() bool {
	return g != nil && g.facilitator != nil
}

// Settlement is the admitted outcome of a delegated payment.
type Settlement struct {
	Payer       string
	Transaction string
	Network     string
	// Header is the base64 X-PAYMENT-RESPONSE value to return to the client.
	Header string
}

// Requirement builds the descriptor for paying amountMinorUnits to payTo for resource.
func (g *Gate) Requirement(payTo, amountMinorUnits, resource, description string) Requirement {
	req := Requirement{
		Scheme:            SchemeExact,
		Network:           g.cfg.Network,
		MaxAmountRequired: amountMinorUnits,
		Resource:          resource,
		Description:       description,
		MimeType:          "application/json",
		PayTo:             payTo,
		MaxTimeoutSeconds: g.cfg.MaxTimeoutSeconds,
		Asset:             g.cfg.Asset,
	}
	if g.cfg.AssetName != "" {
		req.Extra = map[string]any{"name": g.cfg.AssetName, "version": g.cfg.AssetVersion}
	}
	return req
}

// PaymentRequired builds the 402 body advertising requirement.
func PaymentRequired(requirement Requirement, message string) PaymentRequiredResponse {
	if message == "" {
		message = "X-PAYMENT header is required"
	}
	return PaymentRequiredResponse{
		X402Version: Version,
		Error:       message,
		Accepts:     []Requirement{requirement},
	}
}

// DecodeHeader parses the base64 JSON X-PAYMENT header.
func DecodeHeader(header string) (PaymentPayload, error) {
	trimmed := strings.TrimSpace(header)
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(trimmed, "="))
		if err != nil {
			return PaymentPayload{}, err
		}
	}
	var payload PaymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return PaymentPayload{}, err
	}
	return payload, nil
}

// EncodeHeader renders v as a base64 JSON header value.
func EncodeHeader(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Process runs verify then settle for header against requirement. An empty
// header yields CodePaymentRequired. Only a successful settle admits the
// request; settle runs detached from ctx cancellation because the payer's
// funds may move even if the caller disconnects.
func (g *Gate) Process(ctx context.Context, header string, requirement Requirement) (*Settlement, error) {
	if strings.TrimSpace(header) == "" {
		return nil, coreerrors.New(coreerrors.CodePaymentRequired, "payment required")
	}
	if !g.Enabled() {
		return nil, coreerrors.New(coreerrors.CodeUpstreamUnavailable, "x402 payments not configured")
	}
	payload, err := DecodeHeader(header)
	if err != nil {
		return nil, rejected(PhaseVerify, "malformed X-PAYMENT header")
	}
	if payload.X402Version != Version {
		return nil, rejected(PhaseVerify, "unsupported x402Version")
	}
	if payload.Scheme != requirement.Scheme {
		return nil, rejected(PhaseVerify, "scheme mismatch")
	}
	if payload.Network != requirement.Network {
		return nil, rejected(PhaseVerify, "network mismatch")
	}

	verified, err := g.facilitator.Verify(ctx, payload, requirement)
	if err != nil {
		return nil, rejectedCause(PhaseVerify, "facilitator error", err)
	}
	if !verified.IsValid {
		return nil, rejected(PhaseVerify, reasonOr(verified.InvalidReason, "payment invalid"))
	}

	settled, err := g.facilitator.Settle(context.WithoutCancel(ctx), payload, requirement)
	if err != nil {
		return nil, rejectedCause(PhaseSettle, "facilitator error", err)
	}
	if !settled.Success {
		return nil, rejected(PhaseSettle, reasonOr(settled.ErrorReason, "settlement failed"))
	}
	headerValue, err := EncodeHeader(settled)
	if err != nil {
		return nil, coreerrors.Internal(err)
	}
	payer := settled.Payer
	if payer == "" {
		payer = verified.Payer
	}
	if payer == "" {
		payer = payload.Payload.Authorization.From
	}
	return &Settlement{
		Payer:       strings.ToLower(payer),
		Transaction: settled.Transaction,
		Network:     settled.Network,
		Header:      headerValue,
	}, nil
}

func reasonOr(reason, fallback string) string {
	if strings.TrimSpace(reason) == "" {
		return fallback
	}
	return reason
}

func rejected(phase Phase, reason string) error {
	return rejectedCause(phase, reason, nil)
}

func rejectedCause(phase Phase, reason string, cause error) error {
	code := coreerrors.CodePaymentVerifyFailed
	if phase == PhaseSettle {
		code = coreerrors.CodePaymentSettleFailed
	}
	err := coreerrors.WithReason(code, "payment rejected at "+string(phase), reason)
	err.Cause = cause
	return err.WithDetail("phase", string(phase))
}
