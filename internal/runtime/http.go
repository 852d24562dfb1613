package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-listener/internal/eventstore"
)

// sessionReader exposes the current session's timeline. *sessionTimeline
// implements it over the event store.
type sessionReader interface {
	Session(ctx context.Context) (eventstore.Session, error)
	Events(ctx context.Context, limit int) ([]eventstore.Event, error)
}

type sessionTimeline struct {
	store *eventstore.Store
	id    string
}

func (t sessionTimeline) Session(ctx context.Context) (eventstore.Session, error) {
	return t.store.GetSession(ctx, t.id)
}

func (t sessionTimeline) Events(ctx context.Context, limit int) ([]eventstore.Event, error) {
	return t.store.ListSessionEvents(ctx, t.id, limit)
}

type sessionView struct {
	ID         string      `json:"id"`
	Device     string      `json:"device"`
	NativeRate int         `json:"native_rate"`
	StartedAt  time.Time   `json:"started_at"`
	Events     []eventView `json:"events"`
}

type eventView struct {
	UtteranceID string          `json:"utterance_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (r *Runtime) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	router.Get("/devices", r.handleDevices)
	router.Get("/stats", r.handleStats)
	router.Get("/session", r.handleSession)
	if r.metrics != nil {
		router.Method(http.MethodGet, "/metrics", r.metrics)
	}
	return router
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	for _, healthy := range r.components {
		if !healthy() {
			return false
		}
	}
	return true
}

func (r *Runtime) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := r.listDevices()
	if err != nil {
		r.logger.Warn("device enumeration failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (r *Runtime) handleStats(w http.ResponseWriter, _ *http.Request) {
	if r.stats == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "capture not started"})
		return
	}
	s := r.stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"frames":             s.Frames,
		"faults":             s.Faults,
		"utterances":         s.Automaton.Utterances,
		"discarded":          s.Automaton.Discarded,
		"events_sent":        s.Dispatcher.Sent,
		"dropped_events":     s.Dispatcher.DroppedEvents,
		"dropped_utterances": s.Dispatcher.DroppedUtterances,
	})
}

// handleSession returns the current session and its most recent timeline
// entries, up to ?limit (default 100).
func (r *Runtime) handleSession(w http.ResponseWriter, req *http.Request) {
	if r.timeline == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "capture not started"})
		return
	}
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	ctx := req.Context()
	sess, err := r.timeline.Session(ctx)
	if errors.Is(err, eventstore.ErrEphemeral) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		r.logger.Warn("session lookup failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "session lookup failed"})
		return
	}
	events, err := r.timeline.Events(ctx, limit)
	if err != nil {
		r.logger.Warn("timeline lookup failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "timeline lookup failed"})
		return
	}

	view := sessionView{
		ID:         sess.ID,
		Device:     sess.Device,
		NativeRate: sess.NativeRate,
		StartedAt:  sess.StartedAt,
		Events:     make([]eventView, 0, len(events)),
	}
	for _, e := range events {
		ev := eventView{UtteranceID: e.UtteranceID, Type: e.Type, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			ev.Payload = e.Payload
		}
		view.Events = append(view.Events, ev)
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
