package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultFacilitatorTimeout bounds each verify or settle round trip.
const DefaultFacilitatorTimeout = 10 * time.Second

const maxFacilitatorResponse = 1 << 20

// Facilitator verifies and settles signed payments on behalf of the server.
type Facilitator interface {
	Verify(ctx context.Context, payload PaymentPayload, requirement Requirement) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirement Requirement) (*SettleResponse, error)
}

// HTTPFacilitator implements Facilitator against a facilitator's REST API.
type HTTPFacilitator struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPFacilitator constructs a client with a per-call timeout. apiKey is
// sent as a bearer token when set.
func NewHTTPFacilitator(baseURL, apiKey string, timeout time.Duration) *HTTPFacilitator {
	if timeout <= 0 {
		timeout = DefaultFacilitatorTimeout
	}
	return &HTTPFacilitator{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *HTTPFacilitator) Verify(ctx context.Context, payload PaymentPayload, requirement Requirement) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.post(ctx, "/verify", payload, requirement, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPFacilitator) Settle(ctx context.Context, payload PaymentPayload, requirement Requirement) (*SettleResponse, error) {
	var out SettleResponse
	if err := c.post(ctx, "/settle", payload, requirement, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// post sends the request and decodes the JSON answer. Facilitators report
// rejections with 4xx bodies in the regular response shape, so a decodable
// body is returned even for non-2xx statuses.
func (c *HTTPFacilitator) post(ctx context.Context, path string, payload PaymentPayload, requirement Requirement, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("facilitator not configured")
	}
	buf, err := json.Marshal(FacilitatorRequest{
		X402Version:         Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirement,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFacilitatorResponse))
	if err != nil {
		return fmt.Errorf("facilitator %s: read response: %w", path, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("facilitator %s failed: status=%d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		if resp.StatusCode >= http.StatusMultipleChoices {
			return fmt.Errorf("facilitator %s failed: status=%d", path, resp.StatusCode)
		}
		return fmt.Errorf("facilitator %s: decode response: %w", path, err)
	}
	return nil
}
