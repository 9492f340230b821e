package router

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/skillmatch/backend/internal/handlers"
	"github.com/skillmatch/backend/internal/middleware"
	"github.com/skillmatch/backend/internal/validation"
)

type Config struct {
	Payments       *handlers.PaymentHandler
	Missions       *handlers.MissionHandler
	Webhook        http.Handler
	Tokens         middleware.TokenValidator
	Validator      *validation.Validator
	AllowedOrigins []string
	// Health reports readiness; nil means always healthy.
	Health func(r *http.Request) error
}

// New returns the HTTP handler: the authenticated API under /api/v1 with app-origin CORS,
// the processor webhook with permissive CORS, and /healthz.
func New(cfg Config) http.Handler {
	api := http.NewServeMux()
	auth := middleware.BearerAuth(cfg.Tokens)
	body := func(schema string, h http.HandlerFunc) http.Handler {
		return auth(middleware.ValidateBody(cfg.Validator, schema)(h))
	}
	authed := func(h http.HandlerFunc) http.Handler {
		return auth(h)
	}

	const base = "/api/v1"
	api.Handle("POST "+base+"/missions", body(validation.CreateMission, cfg.Missions.CreateMission))
	api.Handle("GET "+base+"/missions/{id}", authed(cfg.Missions.GetMission))
	api.Handle("POST "+base+"/missions/{id}/applications", body(validation.Apply, cfg.Missions.Apply))
	api.Handle("POST "+base+"/applications/{id}/accept", authed(cfg.Missions.AcceptApplication))
	api.Handle("POST "+base+"/applications/{id}/reject", authed(cfg.Missions.RejectApplication))
	api.Handle("POST "+base+"/missions/{id}/start", authed(cfg.Missions.StartMission))
	api.Handle("POST "+base+"/missions/{id}/complete", authed(cfg.Missions.CompleteMission))
	api.Handle("POST "+base+"/missions/{id}/cancel", authed(cfg.Missions.CancelMission))
	api.Handle("POST "+base+"/payments", body(validation.InitiatePayment, cfg.Payments.InitiatePayment))
	api.Handle("POST "+base+"/payments/release", body(validation.ReleaseEscrow, cfg.Payments.ReleaseEscrow))
	api.Handle("GET "+base+"/payments/{externalId}", authed(cfg.Payments.GetPayment))

	appCORS := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-CSRF-Token"},
		AllowCredentials: true,
	})
	webhookCORS := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Stripe-Signature"},
		// The webhook handler answers bare OPTIONS itself.
		OptionsPassthrough: true,
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", appCORS.Handler(api))
	mux.Handle("/webhooks/stripe", webhookCORS.Handler(cfg.Webhook))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r); err != nil {
				http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
