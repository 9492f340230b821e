package main

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillmatch/backend/internal/auth"
	"github.com/skillmatch/backend/internal/config"
	"github.com/skillmatch/backend/internal/escrow"
	"github.com/skillmatch/backend/internal/handlers"
	"github.com/skillmatch/backend/internal/router"
	"github.com/skillmatch/backend/internal/validation"
	"github.com/skillmatch/backend/internal/webhook"
)

// buildHandler wires the HTTP surface onto the escrow service.
// Chain per API route: CORS -> BearerAuth -> (ValidateBody on JSON bodies) -> handler.
func buildHandler(cfg *config.Config, svc *escrow.Service, pool *pgxpool.Pool, logger *slog.Logger) http.Handler {
	validator := validation.MustNew()

	return router.New(router.Config{
		Payments: &handlers.PaymentHandler{
			Escrow:         svc,
			BaseURL:        cfg.AppBaseURL,
			AllowedOrigins: cfg.AllowedOrigins,
			Logger:         logger,
		},
		Missions:       &handlers.MissionHandler{Escrow: svc, Logger: logger},
		Webhook:        webhook.NewHandler(svc, validator, cfg.StripeWebhookSecret, logger),
		Tokens:         auth.NewService(cfg.JWTSecret),
		Validator:      validator,
		AllowedOrigins: cfg.AllowedOrigins,
		Health: func(r *http.Request) error {
			return pool.Ping(r.Context())
		},
	})
}
