package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"mealsnap/internal/http/handlers"
	"mealsnap/internal/middleware"
	"mealsnap/internal/upload"
)

// Options carries the router dependencies.
type Options struct {
	App             *handlers.App
	Upload          *upload.Handler
	Logger          zerolog.Logger
	DefaultLanguage string
	CountryLookup   middleware.CountryLookup
}

func NewRouter(opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP, chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(opts.Logger))
	r.Use(middleware.Locale(opts.DefaultLanguage, opts.CountryLookup))

	r.Get("/v1/healthz", opts.App.Health)

	r.Mount("/v1/uploads", opts.Upload.Routes())

	r.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/sessions", opts.App.SessionInit)
		r.Post("/recognize", opts.App.Recognize)
		r.Get("/{taskID}", opts.App.Status)
		r.Post("/{taskID}/retry", opts.App.Retry)
	})

	return r
}
