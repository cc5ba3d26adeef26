// Package api exposes task submission and inspection over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docjobs/internal/logging"
	"docjobs/internal/metrics"
	"docjobs/internal/queue"
	"docjobs/internal/store"
	"docjobs/internal/task"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const (
	maxBodyBytes      = 1 << 20
	keepaliveInterval = 15 * time.Second
)

// Tasks is the task surface the API serves.
type Tasks interface {
	Submit(ctx context.Context, taskType string, payload any, opts task.SubmitOptions) (task.Handle, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, filter task.Filter) ([]*task.Task, error)
	Cancel(ctx context.Context, id string) error
}

// Queues reports queue occupancy.
type Queues interface {
	Queues() []queue.Stats
}

// Progress reads and streams progress values.
type Progress interface {
	Get(ctx context.Context, taskID string) (*task.Progress, error)
	Subscribe(taskID string) (<-chan task.Progress, func())
}

// Server routes HTTP requests to the engine.
type Server struct {
	tasks    Tasks
	queues   Queues
	progress Progress
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewServer builds the API handler.
func NewServer(tasks Tasks, queues Queues, progress Progress, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tasks:    tasks,
		queues:   queues,
		progress: progress,
		logger:   logger.With("component", "api"),
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/tasks", s.handleSubmit)
	s.mux.HandleFunc("GET /v1/tasks", s.handleList)
	s.mux.HandleFunc("GET /v1/tasks/{id}", s.handleGet)
	s.mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleCancel)
	s.mux.HandleFunc("GET /v1/tasks/{id}/progress", s.handleProgress)
	s.mux.HandleFunc("GET /v1/tasks/{id}/progress/stream", s.handleProgressStream)
	s.mux.HandleFunc("GET /v1/queues", s.handleQueues)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := r.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, id)
	ctx := logging.WithLogger(logging.WithRequestID(r.Context(), id), s.logger)
	r = r.WithContext(ctx)

	s.mux.ServeHTTP(w, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	metrics.APIRequestDurationSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
}

// StartServer starts the API server on port. Listen errors are sent to
// errChan, which is closed when the server stops.
func StartServer(port int, handler http.Handler, errChan chan<- error) *http.Server {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("api server starting", "port", port)
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed to start", "err", err)
			errChan <- err
		}
		close(errChan)
	}()

	return server
}

// StartMetricsServer initializes and starts the HTTP server for Prometheus metrics.
// It returns a server instance for graceful shutdown support.
func StartMetricsServer(port int, errChan chan<- error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("metrics server starting", "port", port)
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed to start", "err", err)
			errChan <- err
		}
		close(errChan)
	}()

	return server
}

// SubmitRequest is the body of POST /v1/tasks.
type SubmitRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Queue          string          `json:"queue,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	// Delay is a Go duration such as "30s".
	Delay string    `json:"delay,omitempty"`
	RunAt time.Time `json:"run_at,omitzero"`
	Tags  []string  `json:"tags,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed request body: %v", err))
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	opts := task.SubmitOptions{
		Queue:          req.Queue,
		IdempotencyKey: req.IdempotencyKey,
		RunAt:          req.RunAt,
		Tags:           req.Tags,
	}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid delay %q", req.Delay))
			return
		}
		opts.Delay = d
	}

	h, err := s.tasks.Submit(r.Context(), req.Type, req.Payload, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusAccepted
	if h.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, h)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{
		Queue:    q.Get("queue"),
		Tag:      q.Get("tag"),
		ParentID: q.Get("parent_id"),
	}
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			filter.Status = append(filter.Status, task.Status(strings.TrimSpace(st)))
		}
	}
	tasks, err := s.tasks.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.progress.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleProgressStream streams progress as server-sent events until the
// task reaches a terminal state or the client goes away.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before reading the status so that a finish in between still
	// closes the channel.
	updates, unsubscribe := s.progress.Subscribe(id)
	defer unsubscribe()

	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if p, err := s.progress.Get(r.Context(), id); err == nil {
		writeEvent(w, "progress", p)
	}
	if t.Status.Terminal() {
		writeEvent(w, "done", map[string]task.Status{"status": t.Status})
		flusher.Flush()
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case p, ok := <-updates:
			if !ok {
				final := task.Status("")
				if t, err := s.tasks.Get(r.Context(), id); err == nil {
					final = t.Status
				}
				writeEvent(w, "done", map[string]task.Status{"status": final})
				flusher.Flush()
				return
			}
			writeEvent(w, "progress", p)
			flusher.Flush()
		}
	}
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"queues": s.queues.Queues()})
}

// fail maps an engine error onto a status code. Unexpected errors are logged
// and reported without their message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *task.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, verr.Error())
	case errors.Is(err, task.ErrUnknownTaskType), errors.Is(err, task.ErrUnknownQueue):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, task.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logging.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
