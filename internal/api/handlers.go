package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/kdimtricp/mediadex/internal/config"
	"github.com/kdimtricp/mediadex/internal/database"
	"github.com/kdimtricp/mediadex/internal/mediasource"
	"github.com/kdimtricp/mediadex/internal/models"
	"github.com/kdimtricp/mediadex/internal/pipeline"
	"github.com/kdimtricp/mediadex/internal/query"
	"github.com/kdimtricp/mediadex/internal/tags"
)

func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

type App struct {
	Orchestrator *pipeline.Orchestrator
	MediaRepo    *database.MediaRepo
	FrameRepo    *database.FrameRepo
	Settings     *config.Settings
}

func (app *App) StartHandler(w http.ResponseWriter, r *http.Request) {
	if err := app.Orchestrator.Start(r.Context()); err != nil {
		app.renderError(w, http.StatusInternalServerError, err)
		return
	}
	app.renderJSON(w, app.Orchestrator.Snapshot())
}

func (app *App) PauseHandler(w http.ResponseWriter, r *http.Request) {
	app.Orchestrator.Pause()
	app.renderJSON(w, app.Orchestrator.Snapshot())
}

func (app *App) ResumeHandler(w http.ResponseWriter, r *http.Request) {
	if err := app.Orchestrator.Resume(r.Context()); err != nil {
		app.renderError(w, http.StatusInternalServerError, err)
		return
	}
	app.renderJSON(w, app.Orchestrator.Snapshot())
}

func (app *App) StopHandler(w http.ResponseWriter, r *http.Request) {
	app.Orchestrator.Stop()
	app.renderJSON(w, app.Orchestrator.Snapshot())
}

type scanRequest struct {
	Kind string `json:"kind"`
	Mode string `json:"mode,omitempty"`
}

func (app *App) ScanHandler(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.renderError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if req.Mode != "" {
		app.Settings.SetScanMode(models.ParseScanMode(req.Mode))
	}

	kind := models.KindImage
	if strings.EqualFold(req.Kind, "video") {
		kind = models.KindVideo
	}

	if err := app.Orchestrator.Scan(r.Context(), kind); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, mediasource.ErrEnumeration) {
			status = http.StatusBadGateway
		}
		app.renderError(w, status, err)
		return
	}
	app.renderJSON(w, app.Orchestrator.Snapshot())
}

type processRequest struct {
	URIs []string `json:"uris"`
	Kind string   `json:"kind"`
}

func (app *App) ProcessSelectedHandler(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.renderError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if len(req.URIs) == 0 {
		app.renderError(w, http.StatusBadRequest, fmt.Errorf("uris is required"))
		return
	}

	kind := models.KindImage
	if strings.EqualFold(req.Kind, "video") {
		kind = models.KindVideo
	}

	if err := app.Orchestrator.ProcessSelected(r.Context(), req.URIs, kind); err != nil {
		app.renderError(w, http.StatusConflict, err)
		return
	}
	app.renderJSON(w, app.Orchestrator.Snapshot())
}

func (app *App) ProgressHandler(w http.ResponseWriter, r *http.Request) {
	app.renderJSON(w, app.Orchestrator.Snapshot())
}

// ProgressStreamHandler streams progress updates as newline-delimited JSON
// until the client disconnects or the batch goes idle.
func (app *App) ProgressStreamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		app.renderError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	ch, cancel := app.Orchestrator.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	enc.Encode(app.Orchestrator.Snapshot().Progress)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(p); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (app *App) RecordsHandler(w http.ResponseWriter, r *http.Request) {
	records, err := app.MediaRepo.List(r.Context())
	if err != nil {
		app.renderError(w, http.StatusInternalServerError, err)
		return
	}

	f, err := filterFromQuery(r)
	if err != nil {
		app.renderError(w, http.StatusBadRequest, err)
		return
	}

	if selected := r.URL.Query()["tag"]; len(selected) > 0 {
		records = tags.FilterByTags(records, selected)
	}

	app.renderJSON(w, query.Apply(records, f))
}

func filterFromQuery(r *http.Request) (query.Filter, error) {
	q := r.URL.Query()
	var f query.Filter

	if s := q.Get("min_confidence"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return f, fmt.Errorf("invalid min_confidence: %w", err)
		}
		f.MinConfidence = &v
	}
	if s := q.Get("max_confidence"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return f, fmt.Errorf("invalid max_confidence: %w", err)
		}
		f.MaxConfidence = &v
	}
	f.Model = q.Get("model")
	f.Search = q.Get("search")

	switch q.Get("sort") {
	case "confidence_desc", "high":
		f.Sort = query.ConfidenceDesc
	case "confidence_asc", "low":
		f.Sort = query.ConfidenceAsc
	}

	if s := q.Get("top"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return f, fmt.Errorf("invalid top: %w", err)
		}
		f.TopN = n
	}
	return f, nil
}

func (app *App) FramesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if s := q.Get("video_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			app.renderError(w, http.StatusBadRequest, fmt.Errorf("invalid video_id: %w", err))
			return
		}
		frames, err := app.FrameRepo.ListForVideo(r.Context(), id)
		if err != nil {
			app.renderError(w, http.StatusInternalServerError, err)
			return
		}
		app.renderJSON(w, frames)
		return
	}

	if s := q.Get("search"); s != "" {
		frames, err := app.FrameRepo.Search(r.Context(), s)
		if err != nil {
			app.renderError(w, http.StatusInternalServerError, err)
			return
		}
		app.renderJSON(w, frames)
		return
	}

	frames, err := app.FrameRepo.ListAll(r.Context())
	if err != nil {
		app.renderError(w, http.StatusInternalServerError, err)
		return
	}
	app.renderJSON(w, frames)
}

// TagsHandler recomputes the tag cloud from the current store contents on
// every request; there is no incremental index to go stale. With ?tag=
// parameters it returns the related tags of the matching record subset
// instead of the full cloud.
func (app *App) TagsHandler(w http.ResponseWriter, r *http.Request) {
	if selected := r.URL.Query()["tag"]; len(selected) > 0 {
		records, err := app.MediaRepo.List(r.Context())
		if err != nil {
			app.renderError(w, http.StatusInternalServerError, err)
			return
		}
		result := tags.RelatedTags(tags.FilterByTags(records, selected), tags.TopTags)
		if result == nil {
			result = []models.Tag{}
		}
		app.renderJSON(w, result)
		return
	}

	imageTexts, err := app.MediaRepo.AllExtractedTexts(r.Context())
	if err != nil {
		app.renderError(w, http.StatusInternalServerError, err)
		return
	}
	frameTexts, err := app.FrameRepo.AllExtractedTexts(r.Context())
	if err != nil {
		app.renderError(w, http.StatusInternalServerError, err)
		return
	}

	corpus := append(imageTexts, frameTexts...)
	result := tags.Aggregate(corpus)
	if result == nil {
		result = []models.Tag{}
	}
	app.renderJSON(w, result)
}

type settingsResponse struct {
	ScanMode      string  `json:"scan_mode"`
	FrameInterval float64 `json:"frame_interval_seconds"`
	SelectedModel string  `json:"selected_model"`
}

func (app *App) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	snap := app.Settings.Snapshot()
	app.renderJSON(w, settingsResponse{
		ScanMode:      snap.ScanMode.String(),
		FrameInterval: snap.FrameInterval,
		SelectedModel: snap.SelectedModel,
	})
}

type settingsRequest struct {
	ScanMode      *string  `json:"scan_mode,omitempty"`
	FrameInterval *float64 `json:"frame_interval_seconds,omitempty"`
	SelectedModel *string  `json:"selected_model,omitempty"`
}

func (app *App) PutSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.renderError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if req.ScanMode != nil {
		app.Settings.SetScanMode(models.ParseScanMode(*req.ScanMode))
	}
	if req.FrameInterval != nil {
		if *req.FrameInterval <= 0 {
			app.renderError(w, http.StatusBadRequest, fmt.Errorf("frame_interval_seconds must be positive"))
			return
		}
		app.Settings.SetFrameInterval(*req.FrameInterval)
	}
	if req.SelectedModel != nil {
		app.Settings.SetSelectedModel(*req.SelectedModel)
	}

	app.GetSettingsHandler(w, r)
}

func (app *App) renderJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (app *App) renderError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
