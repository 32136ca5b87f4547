package ledgerhttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

const reconcileRateLimit = 6
const reconcileRateWindow = time.Minute

// MountRoutes registers the ledger API. Manual reconciliation triggers are
// rate limited per client IP.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(reconcileRateLimit, reconcileRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", h.listAccounts)
		r.Post("/", h.createAccount)
		r.Get("/{id}", h.getAccount)
		r.Get("/{id}/balance", h.getBalance)
		r.Get("/{id}/postings", h.listPostings)
	})
	r.Post("/transactions", h.createTransaction)
	r.Get("/transactions/{id}", h.getTransaction)
	r.Get("/integrity", h.checkIntegrity)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Post("/reconciliations", h.reconcile)
	})
}
