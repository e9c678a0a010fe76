package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/stageflow/internal/governance"
	"github.com/polisai/stageflow/pkg/domain"
	"github.com/polisai/stageflow/pkg/facade"
	"github.com/polisai/stageflow/pkg/plan"
	"github.com/polisai/stageflow/pkg/storage"
)

const maxCommandBytes = 1 << 20

// commandRequest is the body of POST /v1/commands.
type commandRequest struct {
	Type       string         `json:"type"`
	Pipeline   string         `json:"pipeline"`
	Key        string         `json:"key,omitempty"`
	Session    string         `json:"session,omitempty"`
	Principal  string         `json:"principal,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
}

type errorResponse struct {
	Error    string `json:"error"`
	Kind     string `json:"kind,omitempty"`
	Pipeline string `json:"pipeline,omitempty"`
}

type pipelineSummary struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Stages  int    `json:"stages"`
}

func newRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Probes and scrapes stay out of traces.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, "stageflow.api")
		})
		r.Get("/pipelines", a.handlePipelines)
		r.Get("/plans/{name}", a.handlePlan)
		r.Post("/commands", a.handleCommand)
		r.Get("/records", a.handleRecords)
		r.Get("/records/{id}", a.handleRecord)
		r.Post("/records/{id}/replay", a.handleReplay)
		r.Get("/guards", a.handleGuards)
		r.Delete("/sessions/{id}", a.handleReleaseSession)
	})
	return r
}

func (a *app) handlePipelines(w http.ResponseWriter, _ *http.Request) {
	names := a.plans.Names()
	out := make([]pipelineSummary, 0, len(names))
	for _, name := range names {
		p, ok := a.plans.Get(name)
		if !ok {
			continue
		}
		out = append(out, pipelineSummary{Name: name, Version: p.Version(), Stages: p.Len()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *app) handlePlan(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	p, ok := a.plans.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no plan registered", Pipeline: name})
		return
	}
	writeJSON(w, http.StatusOK, describePlan(name, p))
}

func (a *app) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid command body: " + err.Error()})
		return
	}

	cmd := facade.Command{
		Type:       facade.CommandType(req.Type),
		Pipeline:   req.Pipeline,
		Key:        req.Key,
		Session:    req.Session,
		Principal:  req.Principal,
		Attributes: req.Attributes,
		Inputs:     decodeInputs(req.Inputs),
	}
	resp, err := a.dispatcher.Dispatch(r.Context(), cmd)
	if err != nil {
		a.writeDispatchError(w, resp, err)
		return
	}
	writeJSON(w, http.StatusOK, describeResponse(resp))
}

// decodeInputs turns json.Number values into int or float64 so that stages
// see the same types as from YAML.
func decodeInputs(in map[string]any) domain.Slots {
	out := make(domain.Slots, len(in))
	for k, v := range in {
		if n, ok := v.(json.Number); ok {
			if i, err := strconv.Atoi(n.String()); err == nil {
				out[domain.SlotID(k)] = i
				continue
			}
			f, _ := n.Float64()
			out[domain.SlotID(k)] = f
			continue
		}
		out[domain.SlotID(k)] = v
	}
	return out
}

func (a *app) writeDispatchError(w http.ResponseWriter, resp *facade.Response, err error) {
	body := errorResponse{Error: err.Error()}
	if resp != nil {
		body.Pipeline = resp.Pipeline
	}

	var perr *plan.PlanError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, facade.ErrUnknownCommand):
		status = http.StatusBadRequest
	case errors.Is(err, facade.ErrUnknownPipeline):
		status = http.StatusNotFound
	case errors.Is(err, facade.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, facade.ErrRateLimited):
		status = http.StatusTooManyRequests
		a.writeLimitHeaders(w, body.Pipeline)
	case errors.As(err, &perr):
		status = http.StatusUnprocessableEntity
		body.Kind = string(perr.Kind)
	}
	writeJSON(w, status, body)
}

func (a *app) writeLimitHeaders(w http.ResponseWriter, pipeline string) {
	if a.limiter == nil {
		return
	}
	stats, ok := a.limiter.Stats()[pipeline]
	if !ok {
		return
	}
	reset := time.Now()
	if stats.Limit > 0 {
		reset = reset.Add(time.Second / time.Duration(stats.Limit))
	}
	governance.WriteRateLimitHeaders(w, stats.Limit, int(stats.Available), reset)
}

func (a *app) handleRecords(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "run capture is disabled"})
		return
	}
	opts := storage.ListOptions{Pipeline: r.URL.Query().Get("pipeline")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		opts.Limit = n
	}
	records, err := a.store.List(r.Context(), opts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *app) handleRecord(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "run capture is disabled"})
		return
	}
	rec, err := a.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *app) handleReplay(w http.ResponseWriter, r *http.Request) {
	report, err := a.dispatcher.ReplayByID(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, facade.ErrReplayVersionMismatch):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, facade.ErrUnknownPipeline):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, describeReplay(report))
	}
}

type releaseResponse struct {
	Session  string `json:"session"`
	Released int    `json:"released"`
}

func (a *app) handleReleaseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, releaseResponse{Session: id, Released: a.dispatcher.ReleaseSession(id)})
}

func (a *app) handleGuards(w http.ResponseWriter, _ *http.Request) {
	if a.guards == nil {
		writeJSON(w, http.StatusOK, map[string]governance.GuardStats{})
		return
	}
	writeJSON(w, http.StatusOK, a.guards.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("failed to write response", "error", err)
	}
}

// serve runs the API until ctx ends, then drains in-flight requests.
func serve(ctx context.Context, a *app) error {
	server := &http.Server{
		Handler:      newRouter(a),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", a.cfg.Server.Address)
	if err != nil {
		return err
	}
	// Log the resolved address (useful when the address is :0)
	a.logger.Info("Server listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Shutdown error", "error", err)
		return err
	}
	return nil
}
