package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/retrace/retrace-agent/internal/export"
	"github.com/retrace/retrace-agent/internal/journal"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Get("/batches", listBatchesHandler(cfg))
		r.Get("/batches/{id}", getBatchHandler(cfg))
		r.Get("/batches/{id}/cards", batchCardsHandler(cfg))
		r.Get("/batches/{id}/video", batchVideoHandler(cfg))
		r.Post("/batches/{id}/reanalyze", reanalyzeHandler(cfg))
		r.Get("/cards", listCardsHandler(cfg))
		r.Get("/events", eventsHandler(cfg))
		r.Post("/export/journal", exportJournalHandler(cfg))
		r.Post("/images", ingestImageHandler(cfg))
		r.Post("/capture/scan", captureScanHandler(cfg))
		r.Post("/pause", pauseHandler(cfg))
		r.Post("/resume", resumeHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Version:  cfg.Version,
			UptimeS:  uptime,
			DeviceID: cfg.DeviceID,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		pending, _ := cfg.Repository.ListBatchesByStatus(ctx, journal.BatchStatusPending, 100)
		failed, _ := cfg.Repository.ListBatchesByStatus(ctx, journal.BatchStatusFailed, 100)

		state := "idle"
		activeBatch := ""
		if st := cfg.Pipeline.State(); st.Running {
			state = "processing"
			activeBatch = st.BatchID
		} else if cfg.Scheduler != nil && cfg.Scheduler.Paused() {
			state = "paused"
		}

		lastError := ""
		if len(failed) > 0 {
			lastError = failed[len(failed)-1].ErrorMessage
		}

		WriteJSON(w, http.StatusOK, StatusResponse{
			State:          state,
			ActiveBatchID:  activeBatch,
			PendingBatches: len(pending),
			FailedBatches:  len(failed),
			LastError:      lastError,
			Paused:         cfg.Scheduler != nil && cfg.Scheduler.Paused(),
		})
	}
}

func listBatchesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		day, err := parseDate(r.URL.Query().Get("date"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		batches, err := cfg.Repository.ListBatchesByDay(r.Context(), day)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list batches", "INTERNAL_ERROR")
			return
		}

		resp := BatchesResponse{Batches: make([]BatchResponse, len(batches))}
		for i, b := range batches {
			resp.Batches[i] = BatchToResponse(b)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getBatchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch, ok := lookupBatch(w, r, cfg)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, BatchToResponse(batch))
	}
}

func batchCardsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch, ok := lookupBatch(w, r, cfg)
		if !ok {
			return
		}

		cards, err := cfg.Repository.CardsByBatch(r.Context(), batch.ID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list cards", "INTERNAL_ERROR")
			return
		}

		resp := CardsResponse{Cards: make([]CardResponse, len(cards))}
		for i, c := range cards {
			resp.Cards[i] = CardToResponse(c)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func batchVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch, ok := lookupBatch(w, r, cfg)
		if !ok {
			return
		}
		if err := cfg.Playback.ServeBatchVideo(w, r, batch); err != nil {
			cfg.Logger.Error("playback error", "error", err, "batch_id", batch.ID)
		}
	}
}

func reanalyzeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch, ok := lookupBatch(w, r, cfg)
		if !ok {
			return
		}
		if batch.VideoPath == "" {
			WriteError(w, http.StatusConflict, "batch has no encoded video", "NO_VIDEO")
			return
		}
		if st := cfg.Pipeline.State(); st.Running {
			WriteError(w, http.StatusConflict,
				fmt.Sprintf("batch %s is already being processed", st.BatchID), "BUSY")
			return
		}

		// runs past the request lifetime; result lands in batch status and
		// on the event stream
		go func() {
			if err := cfg.Pipeline.Reanalyze(context.Background(), batch.ID); err != nil {
				cfg.Logger.Error("re-analysis failed", "batch_id", batch.ID, "error", err)
			}
		}()

		WriteJSON(w, http.StatusAccepted, ReanalyzeResponse{
			BatchID: batch.ID,
			Status:  journal.BatchStatusProcessing,
		})
	}
}

func listCardsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		day, err := parseDate(r.URL.Query().Get("date"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		cards, err := cfg.Repository.CardsByDay(r.Context(), day)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list cards", "INTERNAL_ERROR")
			return
		}

		resp := CardsResponse{Cards: make([]CardResponse, len(cards))}
		for i, c := range cards {
			resp.Cards[i] = CardToResponse(c)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// eventsHandler streams pipeline events as server-sent events until the
// client disconnects.
func eventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, http.StatusInternalServerError, "streaming unsupported", "INTERNAL_ERROR")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		events, cancel := cfg.Bus.Subscribe(256)
		defer cancel()

		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case e := <-events:
				data, err := json.Marshal(e)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}

func exportJournalHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExportJournalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		day, err := parseDate(req.Date)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		cards, err := cfg.Repository.CardsByDay(r.Context(), day)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list cards", "INTERNAL_ERROR")
			return
		}

		path, err := export.WriteDayJournal(day, cards, req.OutputDir)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		WriteJSON(w, http.StatusOK, ExportJournalResponse{
			OutputPath: path,
			CardCount:  len(cards),
		})
	}
}

// ingestImageHandler lets a capture tool push screenshots directly instead
// of relying on the directory poller.
func ingestImageHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IngestImageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.FilePath == "" || req.CapturedAt <= 0 {
			WriteError(w, http.StatusBadRequest, "file_path and captured_at are required", "BAD_REQUEST")
			return
		}

		known, err := cfg.Repository.HasImagePath(r.Context(), req.FilePath)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if known {
			WriteError(w, http.StatusConflict, "image already registered", "DUPLICATE")
			return
		}

		img := &journal.CapturedImage{
			ID:         journal.NewID(),
			FilePath:   req.FilePath,
			CapturedAt: req.CapturedAt,
			ByteSize:   req.ByteSize,
			CreatedAt:  time.Now(),
		}
		if err := cfg.Repository.InsertImage(r.Context(), img); err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusCreated, IngestImageResponse{ID: img.ID})
	}
}

func captureScanHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ingestor == nil {
			WriteError(w, http.StatusServiceUnavailable, "capture ingestion disabled", "UNAVAILABLE")
			return
		}
		n, err := cfg.Ingestor.Scan(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int{"ingested": n})
	}
}

func pauseHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Scheduler == nil {
			WriteError(w, http.StatusServiceUnavailable, "scheduler disabled", "UNAVAILABLE")
			return
		}
		cfg.Scheduler.Pause()
		w.WriteHeader(http.StatusNoContent)
	}
}

func resumeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Scheduler == nil {
			WriteError(w, http.StatusServiceUnavailable, "scheduler disabled", "UNAVAILABLE")
			return
		}
		cfg.Scheduler.Resume()
		w.WriteHeader(http.StatusNoContent)
	}
}

func lookupBatch(w http.ResponseWriter, r *http.Request, cfg ServerConfig) (*journal.Batch, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "batch id required", "BAD_REQUEST")
		return nil, false
	}

	batch, err := cfg.Repository.GetBatch(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return nil, false
	}
	if batch == nil {
		WriteError(w, http.StatusNotFound, "batch not found", "NOT_FOUND")
		return nil, false
	}
	return batch, true
}

// parseDate interprets a YYYY-MM-DD query value in local time, defaulting to
// today when empty.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	day, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return day, nil
}
