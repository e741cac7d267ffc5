package main

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kwv/muralwall/mural"
)

const (
	defaultPreviewWidth = 640
	maxCommandBytes     = 64 << 10
	createTimeout       = 60 * time.Second
)

// createRequest is the body of POST /murals.
type createRequest struct {
	Viewer    mural.ViewerID  `json:"viewer"`
	Pos1      mural.Corner    `json:"pos1"`
	Pos2      mural.Corner    `json:"pos2"`
	Viewpoint mural.Viewpoint `json:"viewpoint"`
	ImageURL  string          `json:"imageUrl"`
}

// muralResponse is a record plus the last lifecycle event seen for it.
type muralResponse struct {
	*mural.Record
	LastEvent *mural.Event `json:"lastEvent,omitempty"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(s *service) http.Handler {
	log := s.log.Named("http")
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.Debug("/health request", zap.String("remote", r.RemoteAddr))
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Murals    int       `json:"murals"`
			Viewers   int       `json:"viewers"`
			Tiles     int       `json:"tiles"`
			MQTT      bool      `json:"mqtt"`

			// Events counts audited events by kind; absent without an audit log.
			Events map[mural.EventKind]int `json:"events,omitempty"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Murals:    s.manager.Count(),
			Viewers:   len(s.world.Viewers()),
			Tiles:     s.manager.Cache().Len(),
			MQTT:      s.mqtt != nil && s.mqtt.IsConnected(),
		}
		if s.audit != nil {
			counts, err := s.audit.Counts(r.Context())
			if err != nil {
				log.Warn("counting audit events", zap.Error(err))
			}
			status.Events = counts
		}
		writeJSON(w, log, http.StatusOK, status)
	})

	mux.HandleFunc("GET /murals", func(w http.ResponseWriter, r *http.Request) {
		records := s.manager.Store().List()
		if v := r.URL.Query().Get("facing"); v != "" {
			facing, err := mural.ParseFacing(v)
			if err != nil {
				writeError(w, log, &mural.ValidationError{Reason: err.Error()})
				return
			}
			filtered := make([]*mural.Record, 0, len(records))
			for _, rec := range records {
				if rec.Facing == facing {
					filtered = append(filtered, rec)
				}
			}
			records = filtered
		}
		writeJSON(w, log, http.StatusOK, records)
	})

	mux.HandleFunc("GET /murals/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.manager.Store().Get(r.PathValue("id"))
		if !ok {
			writeError(w, log, mural.ErrNotFound)
			return
		}
		resp := muralResponse{Record: rec}
		if ev, ok := s.publisher.LastEvent(rec.ID); ok {
			resp.LastEvent = &ev
		}
		writeJSON(w, log, http.StatusOK, resp)
	})

	// Creating waits for the download and spawn to finish so the caller
	// sees fetch failures directly.
	mux.HandleFunc("POST /murals", func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxCommandBytes)).Decode(&req); err != nil {
			writeError(w, log, &mural.ValidationError{Reason: "malformed request: " + err.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), createTimeout)
		defer cancel()

		result := make(chan mural.PlacementResult, 1)
		var createErr error
		err := s.loop.Do(ctx, func() {
			createErr = s.manager.CreateMural(mural.PlacementRequest{
				Viewer:    req.Viewer,
				Pos1:      req.Pos1,
				Pos2:      req.Pos2,
				Viewpoint: req.Viewpoint,
				ImageURL:  req.ImageURL,
			}, func(res mural.PlacementResult) { result <- res })
		})
		if err == nil {
			err = createErr
		}
		if err != nil {
			writeError(w, log, err)
			return
		}

		select {
		case res := <-result:
			if res.Err != nil {
				writeError(w, log, res.Err)
				return
			}
			writeJSON(w, log, http.StatusCreated, res.Record)
		case <-ctx.Done():
			writeError(w, log, ctx.Err())
		}
	})

	mux.HandleFunc("DELETE /murals/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var removed bool
		if err := s.loop.Do(r.Context(), func() { removed = s.manager.RemoveRecord(id) }); err != nil {
			writeError(w, log, err)
			return
		}
		if !removed {
			writeError(w, log, mural.ErrNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /murals/{id}/layout.svg", layoutHandler(s, log, "image/svg+xml", mural.RenderLayoutSVG))
	mux.HandleFunc("GET /murals/{id}/layout.png", layoutHandler(s, log, "image/png", mural.RenderLayoutPNG))

	// The preview is stitched from the tiles currently on display, so it
	// never downloads anything.
	mux.HandleFunc("GET /murals/{id}/preview.png", func(w http.ResponseWriter, r *http.Request) {
		width := defaultPreviewWidth
		if v := r.URL.Query().Get("width"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, log, &mural.ValidationError{Reason: "width must be a non-negative integer"})
				return
			}
			width = n
		}

		var rec *mural.Record
		var img *image.RGBA
		err := s.loop.Do(r.Context(), func() {
			if got, ok := s.manager.Store().Get(r.PathValue("id")); ok {
				rec = got
				img = mural.AssembleMural(rec, s.world, s.manager.Cache())
			}
		})
		if err == nil && rec == nil {
			err = mural.ErrNotFound
		}
		if err != nil {
			writeError(w, log, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := png.Encode(w, mural.RenderPreview(rec, img, width)); err != nil {
			log.Error("encoding preview PNG", zap.String("id", rec.ID), zap.Error(err))
		}
	})

	mux.HandleFunc("GET /murals/{id}/history", func(w http.ResponseWriter, r *http.Request) {
		if s.audit == nil {
			http.Error(w, "audit log disabled", http.StatusNotFound)
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		events, err := s.audit.History(r.Context(), r.PathValue("id"), limit)
		if err != nil {
			writeError(w, log, err)
			return
		}
		writeJSON(w, log, http.StatusOK, events)
	})

	mux.HandleFunc("POST /commands", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
		if err != nil {
			writeError(w, log, err)
			return
		}
		reply := s.commands.Dispatch(r.Context(), s.loop, body)
		status := http.StatusOK
		if !reply.OK {
			status = http.StatusBadRequest
		}
		writeJSON(w, log, status, reply)
	})

	mux.HandleFunc("POST /admin/save", func(w http.ResponseWriter, r *http.Request) {
		var saveErr error
		if err := s.loop.Do(r.Context(), func() { saveErr = s.manager.Save() }); err != nil {
			writeError(w, log, err)
			return
		}
		if saveErr != nil {
			writeError(w, log, saveErr)
			return
		}
		writeJSON(w, log, http.StatusOK, map[string]any{"saved": s.manager.Count()})
	})

	mux.HandleFunc("GET /ws", s.hub.Handler())

	return mux
}

// layoutHandler serves the tile grid of a mural drawn by render.
func layoutHandler(s *service, log *zap.Logger, contentType string,
	render func(io.Writer, *mural.Record, map[[2]int]bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rec *mural.Record
		var cells map[[2]int]bool
		err := s.loop.Do(r.Context(), func() {
			if got, ok := s.manager.Store().Get(r.PathValue("id")); ok {
				rec = got
				cells = mural.SpawnedCells(rec, s.world)
			}
		})
		if err == nil && rec == nil {
			err = mural.ErrNotFound
		}
		if err != nil {
			writeError(w, log, err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "no-cache")
		if err := render(w, rec, cells); err != nil {
			log.Error("rendering layout", zap.String("id", rec.ID), zap.String("type", contentType), zap.Error(err))
		}
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var fe *mural.FetchError
	switch {
	case mural.IsValidationError(err):
		return http.StatusBadRequest
	case errors.As(err, &fe):
		return http.StatusBadGateway
	case errors.Is(err, mural.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mural.ErrWorldNotLoaded):
		return http.StatusConflict
	case errors.Is(err, mural.ErrLoopStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, log, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("encoding response", zap.Error(err))
	}
}
