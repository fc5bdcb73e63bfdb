package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const hstsMaxAge = 31536000

// Routes constructs the HTTP router with all authentication endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(hstsMaxAge))
	}

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/auth", func(r chi.Router) {
		r.Get("/signin", a.handleSignIn)
		r.Get("/signup", a.handleSignUp)
		r.Get("/profile", a.handleProfileEdit)
		r.Get("/callback", a.handleCallback)
		r.Get("/logout", a.handleLogout)
	})

	r.Route("/backoffice", func(r chi.Router) {
		r.Get("/me", a.handleMe)
		r.Get("/directory/users/{objectID}", a.handleDirectoryUser)
	})

	if a.DevIDP != nil {
		r.Mount("/devidp", a.DevIDP.Routes())
	}
	if a.LoadTest != nil {
		r.Mount("/loadtest", a.LoadTest.Routes())
	}

	return r
}
