package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// RouterConfig carries the knobs the router needs beyond the handlers
// themselves.
type RouterConfig struct {
	MaxInFlight int
	CORSOrigins []string
}

// Router wires the API surface onto a chi mux: path params carry route
// variables, cors handles browser callers, and the concurrency limiter
// applies backpressure at the edge.
func Router(h *Handlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(withConcurrencyLimit(cfg.MaxInFlight))

	r.Get("/health", h.Healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/ledger", func(r chi.Router) {
			r.Post("/credit", h.CreditLedger)
			r.Post("/debit", h.DebitLedger)
			r.Post("/reverse", h.ReverseLedger)
			r.Get("/entries", h.GetEntries)
			r.Get("/balance/{user_id}", h.GetBalance)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", h.CreateRule)
			r.Get("/", h.ListRules)
			r.Get("/{id}", h.GetRule)
			r.Post("/evaluate", h.EvaluateRules)
		})
	})

	return r
}
