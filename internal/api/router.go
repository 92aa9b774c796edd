package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ping", PingHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/pipeline", func(r chi.Router) {
			r.Post("/start", app.StartHandler)
			r.Post("/pause", app.PauseHandler)
			r.Post("/resume", app.ResumeHandler)
			r.Post("/stop", app.StopHandler)
		})

		r.Post("/scan", app.ScanHandler)
		r.Post("/process", app.ProcessSelectedHandler)

		r.Get("/progress", app.ProgressHandler)
		r.Get("/progress/stream", app.ProgressStreamHandler)

		r.Get("/records", app.RecordsHandler)
		r.Get("/frames", app.FramesHandler)
		r.Get("/tags", app.TagsHandler)

		r.Get("/settings", app.GetSettingsHandler)
		r.Put("/settings", app.PutSettingsHandler)
	})

	return r
}
