package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates and returns the main HTTP router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.CleanPath)

	h := &Handlers{Deps: d}

	// Public routes
	r.Group(func(r chi.Router) {
		r.Get("/", h.hello)
		r.Get("/ota", h.otaPage)
		r.Get("/api/info", h.getInfo)
		r.Get("/api/events", h.sseEvents)
	})

	// Admin routes, gated when access keys are configured
	r.Group(func(r chi.Router) {
		if d.Auth != nil {
			r.Use(d.Auth.Middleware)
		}

		r.Post("/otaupload", h.otaUpload)
		r.Get("/api/config", h.getConfig)
		r.Post("/api/config/wifi", h.setWifi)
		r.Get("/reboot", h.reboot)
	})

	return r
}
