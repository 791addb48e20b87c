// Package relay forwards paid calls to seller endpoints with an HMAC proof
// of origin and records each call in the ledger. A payment is never reversed:
// seller failures end the ledger entry in a failure state and are surfaced to
// the buyer as gateway errors.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	coreerrors "moltmart/core/errors"
	"moltmart/ledger"
	"moltmart/store"
)

const (
	// DefaultTimeout bounds one seller call.
	DefaultTimeout = 30 * time.Second

	maxSellerResponse = 10 << 20

	finishAttempts = 3
)

// finishBackoff is the pause before the first ledger finish retry; it doubles
// on each further attempt.
var finishBackoff = 200 * time.Millisecond

// Catalogue is the part of the record store the relay reads and updates.
type Catalogue interface {
	ServiceByID(ctx context.Context, id uuid.UUID) (*store.Service, error)
	IncrementServiceStats(ctx context.Context, id uuid.UUID, calls int64, revenueMinorUnits uint64) error
}

// Ledger records relayed calls.
type Ledger interface {
	Begin(ctx context.Context, entry ledger.Entry) (*ledger.Transaction, error)
	Finish(ctx context.Context, id uuid.UUID, outcome ledger.Outcome) (*ledger.Transaction, error)
}

// Observer is notified of every terminal relay outcome.
type Observer func(status ledger.Status, latency time.Duration)

// Payment identifies how the buyer paid for the call.
type Payment struct {
	Method string
	Ref    string
}

// Request is one buyer call to relay.
type Request struct {
	ServiceID   uuid.UUID
	BuyerWallet string
	BuyerName   string
	Body        []byte
	ContentType string
	Payment     Payment
}

// Result is the seller's answer, passed back to the buyer verbatim.
type Result struct {
	TransactionID uuid.UUID
	Status        ledger.Status
	StatusCode    int
	ContentType   string
	Body          []byte
}

// Config wires a Relay.
type Config struct {
	Catalogue Catalogue
	Ledger    Ledger
	Timeout   time.Duration
	Client    *http.Client
	Now       func() time.Time
	Logger    *slog.Logger
	Observe   Observer
}

// Relay delivers paid calls to sellers.
type Relay struct {
	catalogue Catalogue
	ledger    Ledger
	timeout   time.Duration
	client    *http.Client
	nowFn     func() time.Time
	logger    *slog.Logger
	observe   Observer
}

// New builds a relay. The default client is traced with otelhttp.
func New(cfg Config) *Relay {
	r := &Relay{
		catalogue: cfg.Catalogue,
		ledger:    cfg.Ledger,
		timeout:   cfg.Timeout,
		client:    cfg.Client,
		nowFn:     cfg.Now,
		logger:    cfg.Logger,
		observe:   cfg.Observe,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.client == nil {
		r.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if r.nowFn == nil {
		r.nowFn = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Lookup loads a relayable service: it must exist and have an endpoint.
func (r *Relay) Lookup(ctx context.Context, id uuid.UUID) (*store.Service, error) {
	svc, err := r.catalogue.ServiceByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, coreerrors.NotFound("service not found")
	}
	if err != nil {
		return nil, coreerrors.Internal(fmt.Errorf("load service: %w", err))
	}
	if svc.Endpoint == "" {
		return nil, coreerrors.WithReason(coreerrors.CodeResourceNotFound, "service not callable", "service has no endpoint")
	}
	return svc, nil
}

// Relay records a pending ledger entry, calls the seller and finalises the
// entry. The payment is already settled when Relay runs, so the lookup, the
// call and the bookkeeping all ignore cancellation of ctx. Seller non-2xx answers are returned as a Result; timeouts and
// connection failures are returned as SellerTimeout or SellerUnreachable
// errors carrying the transaction id.
func (r *Relay) Relay(ctx context.Context, req Request) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	svc, err := r.Lookup(ctx, req.ServiceID)
	if err != nil {
		return nil, err
	}

	entry, err := r.ledger.Begin(ctx, ledger.Entry{
		ServiceID:       svc.ID,
		BuyerWallet:     req.BuyerWallet,
		BuyerName:       req.BuyerName,
		SellerWallet:    svc.OwnerWallet,
		PriceMinorUnits: svc.PriceMinorUnits,
		PaymentMethod:   req.Payment.Method,
		PaymentRef:      req.Payment.Ref,
	})
	if err != nil {
		return nil, coreerrors.Internal(err)
	}

	started := r.nowFn()
	resp, callErr := r.call(ctx, svc, entry.ID, req)
	if callErr != nil {
		status, typed := classify(callErr, entry.ID)
		r.finish(ctx, entry.ID, ledger.Outcome{Status: status, Error: callErr.Error()}, started)
		r.logger.Warn("seller call failed",
			"service", svc.ID, "transaction", entry.ID, "status", status, "error", callErr)
		return nil, typed
	}

	code := resp.StatusCode
	result := &Result{
		TransactionID: entry.ID,
		StatusCode:    code,
		ContentType:   resp.ContentType,
		Body:          resp.Body,
	}
	if code >= 200 && code < 300 {
		result.Status = ledger.StatusCompleted
		r.finish(ctx, entry.ID, ledger.Outcome{Status: ledger.StatusCompleted, SellerStatusCode: &code}, started)
		r.bumpStats(ctx, svc.ID, svc.PriceMinorUnits)
	} else {
		result.Status = ledger.StatusFailed
		r.finish(ctx, entry.ID, ledger.Outcome{
			Status:           ledger.StatusFailed,
			SellerStatusCode: &code,
			Error:            "seller returned " + strconv.Itoa(code),
		}, started)
		r.bumpStats(ctx, svc.ID, 0)
	}
	return result, nil
}

type sellerResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

func (r *Relay) call(ctx context.Context, svc *store.Service, txID uuid.UUID, req Request) (*sellerResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	timestamp := strconv.FormatInt(r.nowFn().Unix(), 10)
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, svc.Endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set(HeaderToken, TokenPrefix(svc.SecretTokenHash))
	httpReq.Header.Set(HeaderSignature, ComputeSignature(svc.SecretTokenHash, req.Body, timestamp, svc.ID.String()))
	httpReq.Header.Set(HeaderTimestamp, timestamp)
	httpReq.Header.Set(HeaderBuyer, req.BuyerWallet)
	httpReq.Header.Set(HeaderBuyerName, req.BuyerName)
	httpReq.Header.Set(HeaderTx, txID.String())
	otel.GetTextMapPropagator().Inject(callCtx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSellerResponse))
	if err != nil {
		return nil, fmt.Errorf("read seller response: %w", err)
	}
	return &sellerResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func classify(err error, txID uuid.UUID) (ledger.Status, error) {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ledger.StatusTimeout, coreerrors.New(coreerrors.CodeSellerTimeout, "seller did not respond in time").
			WithDetail("transactionId", txID.String())
	}
	return ledger.StatusError, coreerrors.New(coreerrors.CodeSellerUnreachable, "seller unreachable").
		WithDetail("transactionId", txID.String())
}

// finish records the terminal outcome, retrying transient store errors. An
// entry still pending after the last attempt is left for ledger.ExpireStale.
func (r *Relay) finish(ctx context.Context, id uuid.UUID, outcome ledger.Outcome, started time.Time) {
	delay := finishBackoff
	for attempt := 1; ; attempt++ {
		_, err := r.ledger.Finish(ctx, id, outcome)
		if err == nil {
			break
		}
		if errors.Is(err, ledger.ErrAlreadyFinal) || errors.Is(err, ledger.ErrNotFound) || attempt == finishAttempts {
			r.logger.Error("ledger finish failed", "transaction", id, "status", outcome.Status, "attempts", attempt, "error", err)
			break
		}
		r.logger.Warn("ledger finish retry", "transaction", id, "attempt", attempt, "error", err)
		time.Sleep(delay)
		delay *= 2
	}
	if r.observe != nil {
		r.observe(outcome.Status, r.nowFn().Sub(started))
	}
}

func (r *Relay) bumpStats(ctx context.Context, id uuid.UUID, revenue uint64) {
	if err := r.catalogue.IncrementServiceStats(ctx, id, 1, revenue); err != nil {
		r.logger.Error("service stats update failed", "service", id, "error", err)
	}
}
