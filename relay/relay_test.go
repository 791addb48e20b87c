package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	coreerrors "moltmart/core/errors"
	"moltmart/ledger"
	"moltmart/store"
)

type relayEnv struct {
	store  *store.Store
	ledger *ledger.Ledger
	secret string
}

func newRelayEnv(t *testing.T) *relayEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.AutoMigrate(db))
	require.NoError(t, ledger.AutoMigrate(db))
	secret, _, err := GenerateSecret()
	require.NoError(t, err)
	return &relayEnv{store: store.New(db), ledger: ledger.New(db), secret: secret}
}

func (e *relayEnv) service(t *testing.T, endpoint string) *store.Service {
	t.Helper()
	svc := &store.Service{
		Name:            "echo",
		Endpoint:        endpoint,
		PriceMinorUnits: 10_000,
		OwnerWallet:     "0x1111111111111111111111111111111111111111",
		SecretTokenHash: HashSecret(e.secret),
		Category:        "tools",
	}
	require.NoError(t, e.store.CreateService(context.Background(), svc))
	return svc
}

func (e *relayEnv) relay(timeout time.Duration) *Relay {
	return New(Config{Catalogue: e.store, Ledger: e.ledger, Timeout: timeout})
}

func request(svc *store.Service) Request {
	return Request{
		ServiceID:   svc.ID,
		BuyerWallet: "0xaaaa000000000000000000000000000000000001",
		BuyerName:   "buyer-bot",
		Body:        []byte(`{"q":"weather"}`),
		Payment:     Payment{Method: "x402", Ref: "0xfeed"},
	}
}

func TestRelayCompletedSignsRequest(t *testing.T) {
	env := newRelayEnv(t)
	var svcID string
	seller := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		err := VerifyRequest(r, body, HashSecret(env.secret), svcID, time.Minute, time.Now())
		assert.NoError(t, err)
		assert.Equal(t, "0xaaaa000000000000000000000000000000000001", r.Header.Get(HeaderBuyer))
		assert.Equal(t, "buyer-bot", r.Header.Get(HeaderBuyerName))
		assert.NotEmpty(t, r.Header.Get(HeaderTx))
		assert.Len(t, r.Header.Get(HeaderToken), TokenPrefixLen)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"forecast":"sunny"}`))
	}))
	defer seller.Close()

	svc := env.service(t, seller.URL)
	svcID = svc.ID.String()

	res, err := env.relay(time.Second).Relay(context.Background(), request(svc))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, ledger.StatusCompleted, res.Status)
	require.JSONEq(t, `{"forecast":"sunny"}`, string(res.Body))

	tx, err := env.ledger.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, tx.Status)
	require.Equal(t, "x402", tx.PaymentMethod)

	reloaded, err := env.store.ServiceByID(context.Background(), svc.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, reloaded.CallsCount)
	require.EqualValues(t, 10_000, reloaded.RevenueMinorUnits)
}

func TestRelaySellerErrorIsPassedThrough(t *testing.T) {
	env := newRelayEnv(t)
	seller := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer seller.Close()
	svc := env.service(t, seller.URL)

	res, err := env.relay(time.Second).Relay(context.Background(), request(svc))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)
	require.Equal(t, ledger.StatusFailed, res.Status)
	require.Equal(t, "boom", string(res.Body))

	tx, err := env.ledger.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, tx.Status)
	require.Equal(t, 500, *tx.SellerStatusCode)

	reloaded, err := env.store.ServiceByID(context.Background(), svc.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, reloaded.CallsCount)
	require.EqualValues(t, 0, reloaded.RevenueMinorUnits)
}

func TestRelayRecordsOutcomeAfterCallerCancels(t *testing.T) {
	env := newRelayEnv(t)
	seller := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer seller.Close()
	svc := env.service(t, seller.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := env.relay(time.Second).Relay(ctx, request(svc))
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, res.Status)

	txs, total, err := env.ledger.ListByWallet(context.Background(), request(svc).BuyerWallet, 10, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, ledger.StatusCompleted, txs[0].Status)
}

func TestRelayTimeout(t *testing.T) {
	env := newRelayEnv(t)
	seller := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer seller.Close()
	svc := env.service(t, seller.URL)

	_, err := env.relay(50*time.Millisecond).Relay(context.Background(), request(svc))
	typed, ok := coreerrors.As(err)
	require.True(t, ok)
	require.Equal(t, coreerrors.CodeSellerTimeout, typed.Code)
	require.Equal(t, http.StatusGatewayTimeout, coreerrors.HTTPStatus(typed.Code))

	txID, err := uuid.Parse(typed.Details["transactionId"].(string))
	require.NoError(t, err)
	tx, err := env.ledger.Get(context.Background(), txID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusTimeout, tx.Status)
}

func TestRelayUnreachable(t *testing.T) {
	env := newRelayEnv(t)
	seller := httptest.NewServer(http.NotFoundHandler())
	url := seller.URL
	seller.Close()
	svc := env.service(t, url)

	_, err := env.relay(time.Second).Relay(context.Background(), request(svc))
	typed, ok := coreerrors.As(err)
	require.True(t, ok)
	require.Equal(t, coreerrors.CodeSellerUnreachable, typed.Code)

	txID, err := uuid.Parse(typed.Details["transactionId"].(string))
	require.NoError(t, err)
	tx, err := env.ledger.Get(context.Background(), txID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusError, tx.Status)
}

func TestRelayIgnoresCallerCancellation(t *testing.T) {
	env := newRelayEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	seller := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		_, _ = w.Write([]byte("ok"))
	}))
	defer seller.Close()
	svc := env.service(t, seller.URL)

	res, err := env.relay(time.Second).Relay(ctx, request(svc))
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, res.Status)
}

func TestRelayRequiresEndpoint(t *testing.T) {
	env := newRelayEnv(t)
	svc := env.service(t, "")

	_, err := env.relay(time.Second).Relay(context.Background(), request(svc))
	require.Equal(t, coreerrors.CodeResourceNotFound, coreerrors.CodeOf(err))

	_, err = env.relay(time.Second).Relay(context.Background(), Request{ServiceID: uuid.New()})
	require.Equal(t, coreerrors.CodeResourceNotFound, coreerrors.CodeOf(err))
}

func TestVerifyRequestRejectsTampering(t *testing.T) {
	hash := HashSecret("mm_sk_test")
	ts := fmt.Sprint(time.Now().Unix())
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(HeaderToken, TokenPrefix(hash))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, ComputeSignature(hash, []byte("body"), ts, "svc"))

	require.NoError(t, VerifyRequest(req, []byte("body"), hash, "svc", time.Minute, time.Now()))
	require.ErrorIs(t, VerifyRequest(req, []byte("other"), hash, "svc", time.Minute, time.Now()), ErrSignatureInvalid)
	require.ErrorIs(t, VerifyRequest(req, []byte("body"), hash, "svc2", time.Minute, time.Now()), ErrSignatureInvalid)
	require.ErrorIs(t, VerifyRequest(req, []byte("body"), HashSecret("other"), "svc", time.Minute, time.Now()), ErrTokenMismatch)
	require.ErrorIs(t, VerifyRequest(req, []byte("body"), hash, "svc", time.Minute, time.Now().Add(time.Hour)), ErrTimestampSkew)
}

type flakyLedger struct {
	*ledger.Ledger
	failures int
	calls    int
}

func (f *flakyLedger) Finish(ctx context.Context, id uuid.UUID, outcome ledger.Outcome) (*ledger.Transaction, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("database is locked")
	}
	return f.Ledger.Finish(ctx, id, outcome)
}

func TestRelayRetriesLedgerFinish(t *testing.T) {
	finishBackoff = time.Millisecond
	t.Cleanup(func() { finishBackoff = 200 * time.Millisecond })

	env := newRelayEnv(t)
	seller := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer seller.Close()
	svc := env.service(t, seller.URL)

	flaky := &flakyLedger{Ledger: env.ledger, failures: finishAttempts - 1}
	res, err := New(Config{Catalogue: env.store, Ledger: flaky, Timeout: time.Second}).Relay(context.Background(), request(svc))
	require.NoError(t, err)
	require.Equal(t, finishAttempts, flaky.calls)

	tx, err := env.ledger.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, tx.Status)

	stuck := &flakyLedger{Ledger: env.ledger, failures: finishAttempts + 5}
	res, err = New(Config{Catalogue: env.store, Ledger: stuck, Timeout: time.Second}).Relay(context.Background(), request(svc))
	require.NoError(t, err)
	require.Equal(t, finishAttempts, stuck.calls)
	tx, err = env.ledger.Get(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, tx.Status)
}
