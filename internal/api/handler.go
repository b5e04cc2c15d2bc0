package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/sprintloop/internal/agent"
	"github.com/nidhogg/sprintloop/internal/capability"
	"github.com/nidhogg/sprintloop/internal/event"
	"github.com/nidhogg/sprintloop/internal/metrics"
	"github.com/nidhogg/sprintloop/internal/pool"
	"github.com/nidhogg/sprintloop/internal/store"
	"github.com/nidhogg/sprintloop/internal/tool"
	"github.com/nidhogg/sprintloop/internal/workflow"
	"go.uber.org/zap"
)

// Deps are the services behind the API. Metrics and Store are optional.
type Deps struct {
	Detector  *capability.Detector
	Registry  *tool.Registry
	Agents    *agent.Manager
	Catalog   *workflow.Catalog
	Workflows *workflow.Executor
	Pool      *pool.Pool
	Bus       *event.Bus
	Metrics   *metrics.Metrics
	Store     *store.Store
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Deps
	// poolCtx bounds schedulers started by pool submissions.
	poolCtx context.Context
	logger  *zap.Logger
}

// NewHandler creates a new API handler. ctx bounds background work the
// API starts, such as the pool scheduler.
func NewHandler(ctx context.Context, deps Deps, logger *zap.Logger) *Handler {
	return &Handler{Deps: deps, poolCtx: ctx, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if h.Metrics != nil {
		r.Use(h.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/capabilities", h.capabilities)

		r.Get("/tools", h.listTools)
		r.Get("/tools/log", h.toolLog)
		r.Post("/tools/{name}/execute", h.executeTool)

		r.Route("/agents/tasks", func(r chi.Router) {
			r.Post("/", h.startTask)
			r.Get("/", h.listTasks)
			r.Get("/{id}", h.getTask)
			r.Delete("/{id}", h.removeTask)
			r.Post("/{id}/confirm", h.confirmTask)
			r.Post("/{id}/cancel", h.cancelTask)
			r.Post("/{id}/pause", h.pauseTask)
			r.Post("/{id}/resume", h.resumeTask)
		})

		r.Get("/workflows/templates", h.listTemplates)
		r.Get("/workflows/templates/{id}", h.getTemplate)
		r.Route("/workflows/executions", func(r chi.Router) {
			r.Post("/", h.startExecution)
			r.Get("/", h.listExecutions)
			r.Get("/{id}", h.getExecution)
			r.Post("/{id}/cancel", h.cancelExecution)
		})

		r.Get("/pool", h.poolStatus)
		r.Post("/pool/tasks", h.submitPoolTask)
		r.Get("/pool/tasks/{id}", h.getPoolTask)
		r.Post("/pool/agents/{id}/pause", h.pausePoolAgent)
		r.Post("/pool/agents/{id}/resume", h.resumePoolAgent)

		r.Get("/events", h.eventHistory)
		r.Get("/events/ws", h.eventStream)

		r.Get("/archive/loops", h.archivedLoops)
		r.Get("/archive/loops/{id}", h.archivedLoop)
		r.Get("/archive/executions", h.archivedExecutions)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "environment": h.Detector.Environment()}
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) capabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"environment":  h.Detector.Environment(),
		"capabilities": h.Detector.Capabilities(),
		"host":         capability.HostInfo(),
	})
}

type toolInfo struct {
	tool.Definition
	Available bool                   `json:"available"`
	Check     capability.CheckResult `json:"check"`
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	defs := h.Registry.Definitions()
	out := make([]toolInfo, 0, len(defs))
	for _, d := range defs {
		check := h.Registry.Check(d.Name)
		out = append(out, toolInfo{Definition: d, Available: check.CanExecute, Check: check})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) toolLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Registry.Log(queryInt(r, "limit", 100)))
}

func (h *Handler) executeTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := h.Registry.Get(name); !ok {
		writeError(w, http.StatusNotFound, "tool not found: "+name)
		return
	}
	var req struct {
		Args map[string]any `json:"args"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.Registry.Execute(r.Context(), name, req.Args))
}

func (h *Handler) startTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task string `json:"task"`
		Mode string `json:"mode"`
	}
	if !decode(w, r, &req) {
		return
	}
	var mode agent.Mode
	if req.Mode != "" {
		m, err := agent.ParseMode(req.Mode)
		if err != nil {
			h.fail(w, err)
			return
		}
		mode = m
	}
	lc, err := h.Agents.Start(r.Context(), req.Task, agent.StartOptions{Mode: mode})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, lc)
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Agents.List())
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	lc, err := h.Agents.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lc)
}

func (h *Handler) removeTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Agents.Remove(chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) confirmTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approved bool `json:"approved"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.loopAction(w, r, func(id string) error { return h.Agents.Confirm(id, req.Approved) })
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	h.loopAction(w, r, h.Agents.Cancel)
}

func (h *Handler) pauseTask(w http.ResponseWriter, r *http.Request) {
	h.loopAction(w, r, h.Agents.Pause)
}

func (h *Handler) resumeTask(w http.ResponseWriter, r *http.Request) {
	h.loopAction(w, r, h.Agents.Resume)
}

// loopAction applies fn to the loop in the URL and answers with its
// snapshot.
func (h *Handler) loopAction(w http.ResponseWriter, r *http.Request, fn func(id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(id); err != nil {
		h.fail(w, err)
		return
	}
	lc, err := h.Agents.Get(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lc)
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Catalog.List())
}

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := h.Catalog.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "template not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) startExecution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TemplateID string         `json:"template_id"`
		Variables  map[string]any `json:"variables"`
	}
	if !decode(w, r, &req) {
		return
	}
	e, err := h.Workflows.Start(r.Context(), req.TemplateID, req.Variables)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, e)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Workflows.List())
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	e, err := h.Workflows.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Workflows.Cancel(id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (h *Handler) poolStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running":  h.Pool.Running(),
		"progress": h.Pool.Progress(),
		"agents":   h.Pool.Agents(),
		"tasks":    h.Pool.Tasks(),
	})
}

func (h *Handler) submitPoolTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
		Priority    int    `json:"priority"`
	}
	if !decode(w, r, &req) {
		return
	}
	t, err := h.Pool.Submit(req.Description, req.Priority)
	if err != nil {
		h.fail(w, err)
		return
	}
	if h.Pool.Start(h.poolCtx) {
		h.logger.Debug("pool scheduler started by submission", zap.String("task", t.ID))
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (h *Handler) getPoolTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Pool.Task(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) pausePoolAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Pool.Pause(chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Pool.Agents())
}

func (h *Handler) resumePoolAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Pool.Resume(chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Pool.Agents())
}

func (h *Handler) eventHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Bus.History(queryInt(r, "limit", 100)))
}

func (h *Handler) archivedLoops(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	loops, err := h.Store.ListLoops(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loops)
}

func (h *Handler) archivedLoop(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	lc, err := h.Store.GetLoop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lc)
}

func (h *Handler) archivedExecutions(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	execs, err := h.Store.ListExecutions(r.Context(), r.URL.Query().Get("template"), queryInt(r, "limit", 50))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (h *Handler) requireStore(w http.ResponseWriter) bool {
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "archive not configured")
		return false
	}
	return true
}

// fail maps service errors onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrNotFound),
		errors.Is(err, workflow.ErrTemplateNotFound),
		errors.Is(err, workflow.ErrExecutionNotFound),
		errors.Is(err, pool.ErrTaskNotFound),
		errors.Is(err, pool.ErrAgentNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrInvalidState),
		errors.Is(err, workflow.ErrFinished),
		errors.Is(err, pool.ErrAgentBusy):
		return http.StatusConflict
	case errors.Is(err, agent.ErrEmptyTask),
		errors.Is(err, agent.ErrInvalidMode),
		errors.Is(err, pool.ErrEmptyTask),
		errors.Is(err, workflow.ErrInvalidVariables):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
