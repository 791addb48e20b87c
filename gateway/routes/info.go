package routes

import (
	"bytes"
	"context"
	_ "embed"
	"net/http"
	"text/template"
	"time"

	"moltmart/ledger"
	"moltmart/payment"
)

//go:embed templates/skill.md
var skillSource string

var skillTemplate = template.Must(template.New("skill").Parse(skillSource))

const healthTimeout = 3 * time.Second

func (a *api) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    a.info.Name,
		"version": a.info.Version,
		"chain": map[string]any{
			"name":    a.info.Chain,
			"chainId": a.info.ChainID,
		},
		"token": map[string]any{
			"address":  a.info.Token,
			"symbol":   a.info.TokenSymbol,
			"decimals": a.info.TokenDecimals,
		},
		"platformWallet":   a.info.PlatformWallet,
		"x402Enabled":      a.gate.Enabled(),
		"identityRegistry": a.minter.RegistryRef(),
		"listingLimits":    windowsView(a.listings.Windows()),
		"prices": map[string]string{
			"list": payment.FormatAmount(a.info.Prices.ListMinorUnits, a.info.TokenDecimals),
			"mint": payment.FormatAmount(a.info.Prices.MintMinorUnits, a.info.TokenDecimals),
		},
		"docs": a.info.PublicURL + "/skill.md",
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	body := map[string]any{"status": "ok", "database": "ok"}
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("health check database failed", "error", err)
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = "unavailable"
	}
	if a.chainHead != nil {
		head, err := a.chainHead(ctx)
		if err != nil {
			a.logger.Warn("health check chain failed", "error", err)
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["chain"] = "unavailable"
		} else {
			body["chain"] = "ok"
			body["chainHead"] = head
		}
	}
	writeJSON(w, status, body)
}

func (a *api) skill(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	err := skillTemplate.Execute(&buf, struct {
		Info
		ListPrice string
		MintPrice string
	}{
		Info:      a.info,
		ListPrice: payment.FormatAmount(a.info.Prices.ListMinorUnits, a.info.TokenDecimals),
		MintPrice: payment.FormatAmount(a.info.Prices.MintMinorUnits, a.info.TokenDecimals),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	catalogue, err := a.store.Catalogue(ctx)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	agents, err := a.store.CountAgents(ctx)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	summary, err := a.ledger.Summarise(ctx)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	byStatus := make(map[string]int64, len(summary.ByStatus))
	for _, status := range []ledger.Status{ledger.StatusPending, ledger.StatusCompleted, ledger.StatusFailed, ledger.StatusTimeout, ledger.StatusError} {
		byStatus[string(status)] = summary.ByStatus[status]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":            agents,
		"services":          catalogue.Services,
		"providers":         catalogue.Providers,
		"categories":        catalogue.Categories,
		"calls":             catalogue.Calls,
		"revenueMinorUnits": summary.RevenueMinorUnits,
		"revenue":           payment.FormatAmount(summary.RevenueMinorUnits, a.info.TokenDecimals),
		"transactions": map[string]any{
			"total":    summary.TotalTransactions,
			"byStatus": byStatus,
		},
	})
}
