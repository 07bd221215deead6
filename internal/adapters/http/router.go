package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter registers the funding HTTP surface and middleware stack.
func NewRouter(handler *Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(logger))
	r.Use(loggingMiddleware(logger))

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)

	r.Route("/funding/v1", func(r chi.Router) {
		r.Route("/invoices/{invoice_id}", func(r chi.Router) {
			r.Get("/", handler.getInvoice)
			r.Get("/fundings", handler.listInvoiceFundings)
			r.Post("/fundings", handler.createFunding)
			r.Get("/timeline", handler.invoiceTimeline)
		})
		r.Route("/fundings/{funding_id}", func(r chi.Router) {
			r.Get("/", handler.getFunding)
			r.Get("/proof", handler.fundingProof)
			r.Post("/release", handler.releaseFunding)
		})
		r.Route("/ops", func(r chi.Router) {
			r.Get("/cache/stats", handler.cacheStats)
			r.Post("/reconcile/poll", handler.reconcilePoll)
			r.Get("/reconcile/stats", handler.reconcileStats)
		})
	})

	return r
}
