package routes

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	coreerrors "moltmart/core/errors"
	"moltmart/gateway/middleware"
	"moltmart/observability/logging"
	"moltmart/payment"
	"moltmart/relay"
	"moltmart/store"
)

type createServiceRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Endpoint      string `json:"endpoint"`
	Price         string `json:"price"`
	Category      string `json:"category"`
	ProviderName  string `json:"providerName"`
	WalletAddress string `json:"walletAddress"`
	TxHash        string `json:"txHash"`
}

type feedbackRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (a *api) listServices(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r, 20, 100)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	services, total, err := a.store.ListServices(r.Context(), store.ServiceFilter{
		Category:    q.Get("category"),
		OwnerWallet: q.Get("owner"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"services": a.viewServices(services),
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (a *api) searchServices(w http.ResponseWriter, r *http.Request) {
	query := chi.URLParam(r, "query")
	if query == "" {
		query = r.URL.Query().Get("q")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		a.writeError(w, r, coreerrors.InvalidArgument("search query required"))
		return
	}
	limit, _, err := pagination(r, 10, 50)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	results, err := a.store.SearchServices(r.Context(), query, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": a.viewServices(results),
		"query":   query,
	})
}

func (a *api) categories(w http.ResponseWriter, r *http.Request) {
	list, err := a.store.Categories(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []store.CategoryCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": list})
}

func (a *api) getService(w http.ResponseWriter, r *http.Request) {
	svc, err := a.loadService(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.viewService(svc))
}

// createService lists a new service. The listing slot is reserved before
// payment is collected and handed back if the listing does not happen.
func (a *api) createService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agent, ok := middleware.AgentFromContext(ctx)
	if !ok {
		a.writeError(w, r, errNoAgent)
		return
	}
	var req createServiceRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	svc, err := a.validateListing(req, agent)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	reservation, err := a.listings.Reserve(ctx, agent.WalletAddress)
	if err != nil {
		if coreerrors.CodeOf(err) == coreerrors.CodeRateLimitExceeded {
			a.metrics.RateLimited("listings")
		}
		a.writeError(w, r, err)
		return
	}

	payer := strings.TrimSpace(req.WalletAddress)
	if payer == "" {
		payer = agent.WalletAddress
	}
	receipt, ok := a.collectPayment(w, r, paymentRequest{
		action:      payment.ActionList,
		wallet:      payer,
		txHash:      req.TxHash,
		description: "MoltMart listing fee",
	})
	if !ok {
		reservation.Cancel(ctx)
		return
	}
	ctx = context.WithoutCancel(ctx)

	secret, hash, err := relay.GenerateSecret()
	if err != nil {
		reservation.Cancel(ctx)
		a.writeError(w, r, err)
		return
	}
	svc.SecretTokenHash = hash
	if err := a.store.CreateService(ctx, svc); err != nil {
		reservation.Cancel(ctx)
		a.logger.Error("listing failed after payment",
			"wallet", agent.WalletAddress,
			"payment_method", receipt.Method.String(),
			"payment_ref", receipt.Ref,
			"error", err)
		a.writeError(w, r, err)
		return
	}
	a.metrics.Listing()
	a.logger.Info("service listed",
		"service", svc.ID,
		"wallet", agent.WalletAddress,
		"secret", logging.MaskPrefix(secret, 10),
		"payment_method", receipt.Method.String(),
		"payment_ref", receipt.Ref)

	writeJSON(w, http.StatusCreated, map[string]any{
		"service":     a.viewService(svc),
		"secretToken": secret,
		"payment": map[string]any{
			"method":         receipt.Method.String(),
			"ref":            receipt.Ref,
			"payer":          receipt.Payer,
			"paidMinorUnits": receipt.PaidMinorUnits,
		},
		"message": "Store this secret now; it verifies relayed calls and will not be shown again.",
	})
}

func (a *api) validateListing(req createServiceRequest, agent *store.Agent) (*store.Service, error) {
	name, err := displayName("name", req.Name, maxNameRunes, true)
	if err != nil {
		return nil, err
	}
	desc, err := cleanDescription(req.Description)
	if err != nil {
		return nil, err
	}
	endpoint, err := sellerEndpoint(req.Endpoint)
	if err != nil {
		return nil, err
	}
	price, err := payment.ParseAmount(req.Price, a.info.TokenDecimals)
	if err != nil {
		return nil, coreerrors.InvalidArgument(err.Error())
	}
	if price == 0 {
		return nil, coreerrors.InvalidArgument("price must be positive")
	}
	cat, err := normalizeCategory(req.Category)
	if err != nil {
		return nil, err
	}
	provider, err := displayName("providerName", req.ProviderName, maxNameRunes, false)
	if err != nil {
		return nil, err
	}
	if provider == "" {
		provider = agent.Name
	}
	return &store.Service{
		Name:            name,
		Description:     desc,
		Endpoint:        endpoint,
		PriceMinorUnits: price,
		Category:        cat,
		ProviderName:    provider,
		OwnerWallet:     agent.WalletAddress,
	}, nil
}

func sellerEndpoint(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", coreerrors.InvalidArgument("endpoint required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", coreerrors.InvalidArgument("endpoint must be an absolute http(s) URL")
	}
	if u.User != nil {
		return "", coreerrors.InvalidArgument("endpoint must not carry credentials")
	}
	return u.String(), nil
}

func (a *api) listFeedback(w http.ResponseWriter, r *http.Request) {
	svc, err := a.loadService(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	limit, _, err := pagination(r, 50, 200)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	list, summary, err := a.store.ListFeedback(r.Context(), svc.ID, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	views := make([]feedbackView, 0, len(list))
	for i := range list {
		views = append(views, viewFeedback(&list[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"feedback": views, "summary": summary})
}

// addFeedback accepts a rating only from an agent that completed a paid call
// to the service.
func (a *api) addFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agent, ok := middleware.AgentFromContext(ctx)
	if !ok {
		a.writeError(w, r, errNoAgent)
		return
	}
	svc, err := a.loadService(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req feedbackRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		a.writeError(w, r, coreerrors.InvalidArgument("rating must be between 1 and 5"))
		return
	}
	comment, err := cleanDescription(req.Comment)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if svc.OwnerWallet == agent.WalletAddress {
		a.writeError(w, r, coreerrors.New(coreerrors.CodeForbidden, "sellers cannot rate their own service"))
		return
	}
	completed, err := a.ledger.HasCompleted(ctx, agent.WalletAddress, svc.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !completed {
		a.writeError(w, r, coreerrors.New(coreerrors.CodeForbidden, "feedback requires a completed call to this service"))
		return
	}
	fb := &store.Feedback{
		ServiceID: svc.ID,
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Rating:    req.Rating,
		Comment:   comment,
	}
	if err := a.store.AddFeedback(ctx, fb); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.reputation.Anchor(context.WithoutCancel(ctx), fb, svc)
	writeJSON(w, http.StatusCreated, viewFeedback(fb))
}

func (a *api) loadService(r *http.Request) (*store.Service, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return nil, coreerrors.NotFound("service not found")
	}
	svc, err := a.store.ServiceByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, coreerrors.NotFound("service not found")
	}
	if err != nil {
		return nil, err
	}
	return svc, nil
}
