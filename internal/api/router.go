package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/chain-engine/internal/metrics"
)

// RouterConfig wires the optional parts of the router.
type RouterConfig struct {
	Hub            *WSHub       // nil disables /api/v1/ws
	Limiter        *RateLimiter // nil disables rate limiting of mutating routes
	RequestTimeout time.Duration
	RequestLogging bool
}

// NewRouter builds the HTTP routes of the engine.
func NewRouter(h *Handler, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	if cfg.RequestLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+AccountHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok", "service": "chain-engine"}
		if cfg.Hub != nil {
			body["ws_clients"] = cfg.Hub.Clients()
		}
		writeJSON(w, http.StatusOK, body)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The WebSocket route must not sit behind the timeout middleware.
		if cfg.Hub != nil {
			r.Get("/ws", cfg.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			if cfg.RequestTimeout > 0 {
				r.Use(middleware.Timeout(cfg.RequestTimeout))
			}

			r.Get("/params", h.Params)
			r.Get("/ledger", h.Ledger)

			r.Get("/accounts/{address}/balance", h.GetBalance)
			r.Get("/accounts/{address}/chains", h.GetUserChains)
			r.Get("/accounts/{address}/trades", h.GetAccountTrades)

			r.Get("/opportunities", h.ListOpportunities)
			r.Get("/opportunities/{id}", h.GetOpportunity)
			r.Get("/opportunities/{id}/risk", h.GetOpportunityRisk)
			r.Get("/opportunities/{id}/history", h.GetOpportunityHistory)
			r.Get("/opportunities/{id}/tokens/{address}", h.GetUserTokens)

			r.Get("/chains/at-risk", h.GetChainsAtRisk)
			r.Get("/chains/{id}", h.GetPositionChain)
			r.Get("/chains/{id}/health", h.GetChainHealth)
			r.Get("/chains/{id}/risk", h.GetChainRisk)
			r.Get("/chains/{id}/liquidation-preview", h.GetLiquidationPreview)

			// Mutations.
			r.Group(func(r chi.Router) {
				if cfg.Limiter != nil {
					r.Use(cfg.Limiter.Middleware)
				}
				r.Post("/accounts/deposit", h.Deposit)
				r.Post("/accounts/withdraw", h.Withdraw)
				r.Post("/opportunities", h.CreateOpportunity)
				r.Post("/opportunities/{id}/buy", h.BuyTokens)
				r.Post("/opportunities/{id}/resolve", h.ResolveOpportunity)
				r.Post("/opportunities/{id}/claim", h.ClaimWinnings)
				r.Post("/chains", h.CreatePositionChain)
				r.Post("/chains/{id}/extend", h.ExtendChain)
				r.Post("/chains/{id}/liquidate", h.LiquidateChain)
			})
		})
	})
	return r
}
