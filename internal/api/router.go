/**
 * @description
 * This file sets up the HTTP router for the airdrop-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the operator dashboard.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// AirdropRoutes creates and returns a new router for the airdrop service.
func AirdropRoutes(h *AirdropHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts. The
	// timeout is generous because ad-hoc requests block until confirmation.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-Api-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Operator endpoints require a Clerk-issued JWT.
	r.Group(func(r chi.Router) {
		r.Use(OperatorAuthMiddleware(jwksURL))

		r.Post("/airdrops/runs", h.TriggerRunHandler)
		r.Post("/airdrops/requests", h.SubmitRequestHandler)

		r.Get("/airdrops/transactions", h.ListTransactionsHandler)
		r.Get("/airdrops/transactions/{id}", h.GetTransactionByIDHandler)

		r.Get("/airdrops/safe-mode", h.GetSafeModeHandler)
		r.Delete("/airdrops/safe-mode", h.ResetSafeModeHandler)
	})

	// Service-to-service endpoints authenticate with the shared internal key.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalAPIKey))

		r.Post("/internal/airdrops/requests", h.SubmitRequestHandler)
		r.Get("/internal/airdrops/transactions/{id}", h.GetTransactionByIDHandler)
	})

	return r
}
