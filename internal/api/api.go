// Package api serves the JSON endpoints used by the browser client:
//
//   - POST /api/generate-content: next practice item for a section and grade.
//   - POST /api/generate-report: HTML report card for a finished session.
//
// Failures the client cannot act on are reported with the same fixed
// messages the client already displays; details go to the log.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/tonecoach/internal/generator"
	"github.com/MrWong99/tonecoach/internal/observe"
	"github.com/MrWong99/tonecoach/internal/pool"
	"github.com/MrWong99/tonecoach/internal/practice"
)

// maxBodyBytes caps request bodies. A report history of a long session stays
// well below this.
const maxBodyBytes = 1 << 20

// Client-facing error messages.
const (
	msgGenerateFailed = "Could not generate sentence"
	msgReportFailed   = "Failed to generate report"
	msgBadBody        = "invalid request body"
	msgEmptyHistory   = "history is required"
)

// SourceHeader tells the client whether an item came from the pool or was
// generated on demand.
const SourceHeader = "X-Practice-Source"

// ItemSource hands out practice items. *pool.Pool satisfies it.
type ItemSource interface {
	Consume(ctx context.Context, key practice.Key, exclude string) (pool.Served, error)
}

// Reporter writes session reports. *generator.Generator satisfies it.
type Reporter interface {
	Report(ctx context.Context, rows []generator.HistoryRow, lang string) (string, error)
}

// Handler serves the API routes. It is safe for concurrent use.
type Handler struct {
	items    ItemSource
	catalog  *practice.Catalog
	reporter Reporter
}

// New creates a Handler.
func New(items ItemSource, catalog *practice.Catalog, reporter Reporter) *Handler {
	return &Handler{items: items, catalog: catalog, reporter: reporter}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/generate-content", h.GenerateContent)
	mux.HandleFunc("POST /api/generate-report", h.GenerateReport)
}

type contentRequest struct {
	Section      string         `json:"section"`
	Grade        practice.Grade `json:"grade"`
	PreviousText string         `json:"previousText"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GenerateContent returns one practice item as {text, chars}.
func (h *Handler) GenerateContent(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	var req contentRequest
	if err := decode(w, r, &req); err != nil {
		log.Debug("api: bad generate-content body", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgBadBody})
		return
	}
	key, err := h.catalog.Resolve(req.Section, req.Grade)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	served, err := h.items.Consume(r.Context(), key, req.PreviousText)
	if err != nil {
		log.Error("api: no practice item", "key", key.String(), "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgGenerateFailed})
		return
	}

	source := observe.SourcePool
	if !served.FromPool {
		source = observe.SourceFallback
	}
	w.Header().Set(SourceHeader, source)
	writeJSON(w, http.StatusOK, served.Entry)
}

type reportRequest struct {
	History []generator.HistoryRow `json:"history"`
	Lang    string                 `json:"lang"`
}

type reportResponse struct {
	Report string `json:"report"`
}

// GenerateReport returns {report} with an HTML report card.
func (h *Handler) GenerateReport(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	var req reportRequest
	if err := decode(w, r, &req); err != nil {
		log.Debug("api: bad generate-report body", "err", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgBadBody})
		return
	}

	report, err := h.reporter.Report(r.Context(), req.History, req.Lang)
	switch {
	case errors.Is(err, generator.ErrEmptyHistory):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgEmptyHistory})
		return
	case err != nil:
		log.Error("api: report failed", "rows", len(req.History), "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msgReportFailed})
		return
	}
	writeJSON(w, http.StatusOK, reportResponse{Report: report})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
