// Package server wires the HTTP router, middleware stack, and graceful
// shutdown around the aggregation core.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"inbox-gateway/internal/handlers"
	"inbox-gateway/internal/inbox"
	"inbox-gateway/internal/ratelimit"
	"inbox-gateway/internal/store"
)

// Options carries the collaborators the router needs.
type Options struct {
	Core            *inbox.Service
	DB              *store.DB
	CatchAllBackend string
	CatchAllDomains []string
	APIToken        string
}

// NewRouter builds the full API router. Three rate limiters apply: general
// for every /api route, email-ops on the message endpoints (feeding 429
// back-pressure into the admission queue), and auth on the address
// registration endpoints.
func NewRouter(opts Options) http.Handler {
	general := ratelimit.New("general", ratelimit.GeneralPerMinute)
	emailOps := ratelimit.New("email-ops", ratelimit.EmailOpsPerMinute)
	auth := ratelimit.New("auth", ratelimit.AuthPerMinute)

	// A 429 on an email operation arms the IMAP cooldown with the same
	// Retry-After the client saw.
	emailOps.OnLimited(opts.Core.SetRateLimited)

	emailHandler := handlers.NewEmailHandler(opts.Core, opts.CatchAllBackend)
	providerHandler := handlers.NewProviderHandler(opts.Core)
	statsHandler := handlers.NewStatsHandler(opts.Core)

	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		api.Use(general.Middleware)

		api.Get("/health", handlers.Health)
		api.Get("/stats", statsHandler.Get)
		api.Get("/provider-accounts", providerHandler.Accounts)
		api.Post("/provider-alias", providerHandler.GenerateAlias)

		api.Group(func(limited chi.Router) {
			limited.Use(emailOps.Middleware)

			limited.Get("/emails", emailHandler.List)
			limited.Post("/emails/refresh", emailHandler.Refresh)
			limited.Delete("/emails/{id}", emailHandler.Delete)
			limited.Get("/emails/{id}/attachments/{name}", emailHandler.Attachment)

			limited.Get("/provider-emails", providerHandler.List)
			limited.Post("/provider-emails/refresh", providerHandler.Refresh)
			limited.Delete("/provider-emails/{id}", providerHandler.Delete)
			limited.Get("/provider-emails/{id}/attachments/{name}", providerHandler.Attachment)
		})

		if opts.DB != nil {
			addressHandler := handlers.NewAddressHandler(opts.DB.Addresses, opts.CatchAllDomains)
			api.Group(func(authed chi.Router) {
				authed.Use(auth.Middleware)

				authed.Post("/addresses", addressHandler.Register)
				authed.Get("/addresses", addressHandler.List)
				authed.Delete("/addresses/{id}", addressHandler.Delete)
			})
		}
	})

	return Chain(r,
		RequestIDMiddleware,
		LoggingMiddleware,
		RecoveryMiddleware,
		SecurityMiddleware,
		CORSMiddleware,
		ViewerMiddleware(opts.APIToken),
	)
}
