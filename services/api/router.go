package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	if a.config.Middleware != nil {
		r.Use(a.config.Middleware)
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ledger.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Method("GET", "/metrics", promhttp.HandlerFor(a.config.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(a.config.RateLimit, time.Minute))

		r.Group(func(r chi.Router) {
			r.Use(a.auth.Require(RoleService, RoleAdmin))
			r.Post("/links", a.handleGenerateLink)
			r.Post("/signups", a.handleRecordSignup)
			r.Post("/deposits", a.handleRecordDeposit)
			r.Get("/referrals/{userID}/summary", a.handleSummary)
			r.Get("/signups/{signupID}/commission", a.handleCommission)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.auth.Require(RoleAdmin))
			r.Get("/referrals", a.handleListReferrals)
			r.Post("/referrals/{referralID}/payments", a.handleRecordPayment)
			r.Put("/referrals/{referralID}/active", a.handleSetActive)
			r.Post("/referrals/{referralID}/complete", a.handleComplete)
			r.Put("/referrals/{referralID}/status", a.handleOverrideStatus)
			r.Post("/referrals/{referralID}/recompute", a.handleRecompute)
			r.Get("/audit", a.handleListAudit)
			r.Get("/verify", a.handleVerify)
		})
	})

	return r
}
