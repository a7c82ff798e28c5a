package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lodestone-ai/lodestone/internal/model"
	"github.com/lodestone-ai/lodestone/internal/notify"
	"github.com/lodestone-ai/lodestone/internal/owners"
	"github.com/lodestone-ai/lodestone/internal/search"
	"github.com/lodestone-ai/lodestone/internal/storage"
	"github.com/lodestone-ai/lodestone/internal/workflow"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	runner              *workflow.Runner
	owners              *owners.Store
	index               search.Index
	notifier            notify.Notifier
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	Runner              *workflow.Runner
	Owners              *owners.Store
	Index               search.Index
	Notifier            notify.Notifier
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		runner:              d.Runner,
		owners:              d.Owners,
		index:               d.Index,
		notifier:            d.Notifier,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAddLink handles POST /v1/links. The link is not ingested
// inline; the handler creates a run and acknowledges with 202 while the
// pipeline fetches, embeds, and indexes in the background.
func (h *Handlers) HandleAddLink(w http.ResponseWriter, r *http.Request) {
	var req model.AddLinkRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if err := model.ValidateOwner(req.Owner); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateURL(req.URL); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.runner.Submit(r.Context(), req.Owner, req.URL)
	if err != nil {
		h.logger.Error("submit run", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to accept link")
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.AddLinkResponse{
		RunID:  run.ID.String(),
		Status: string(run.Status),
	})
}

// HandleListLinks handles GET /v1/links/{owner}.
func (h *Handlers) HandleListLinks(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	if err := model.ValidateOwner(owner); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	links, err := h.owners.GetLinks(r.Context(), owner)
	if err != nil {
		h.logger.Error("list links", "owner", owner, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list links")
		return
	}

	writeJSON(w, r, http.StatusOK, links)
}

// HandleDeleteLink handles DELETE /v1/links/{owner}/{link_id}.
func (h *Handlers) HandleDeleteLink(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	linkID, err := strconv.ParseInt(r.PathValue("link_id"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid link id")
		return
	}

	if err := h.owners.DeleteLink(r.Context(), owner, linkID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "link not found")
			return
		}
		h.logger.Error("delete link", "owner", owner, "link_id", linkID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete link")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleQuery handles POST /v1/query. Returns the single best match in
// the owner's namespace, then emails the result to the owner
// (best-effort, matching the notification on ingestion).
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req model.QueryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if err := model.ValidateOwner(req.Owner); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}

	result, found, err := h.owners.QueryBySimilarity(r.Context(), req.Owner, req.Query)
	if err != nil {
		h.logger.Error("query links", "owner", req.Owner, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "query failed")
		return
	}

	resp := model.QueryResponse{Found: found}
	if found {
		resp.URL = result.Link.URL
		resp.LinkID = result.Link.ID
		resp.Score = result.Score
	}

	h.notifyQueryResult(r, req, resp)
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handlers) notifyQueryResult(r *http.Request, req model.QueryRequest, resp model.QueryResponse) {
	body := "No link found for your query.\n\nQuery: " + req.Query
	if resp.Found {
		body = fmt.Sprintf("Best match for your query.\n\nQuery: %s\nURL: %s", req.Query, resp.URL)
	}
	msg := notify.Message{
		To:       req.Owner,
		Subject:  "Link search result",
		TextBody: body,
	}
	if err := h.notifier.Notify(r.Context(), msg); err != nil {
		h.logger.Warn("query result notification failed", "owner", req.Owner, "error", err)
	}
}

// HandleGetRun handles GET /v1/runs/{run_id} for ingestion status
// introspection.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
		return
	}

	writeJSON(w, r, http.StatusOK, run)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	indexStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	if err := h.index.Healthy(r.Context()); err != nil {
		indexStatus = "disconnected"
		// Queries degrade but ingestion acceptance still works.
		if status == "healthy" {
			status = "degraded"
		}
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Index:    indexStatus,
	})
}
