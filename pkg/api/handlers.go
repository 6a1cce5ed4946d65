package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethpandaops/urlanalyzer/pkg/pipeline"
	"github.com/ethpandaops/urlanalyzer/pkg/report"
	"github.com/ethpandaops/urlanalyzer/pkg/store"
	"github.com/go-chi/chi/v5"
)

const (
	maxRequestBodyBytes = 64 << 10
	defaultListLimit    = 20
	maxListLimit        = 100
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps domain errors onto HTTP status codes.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *pipeline.ValidationError

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{validation.Error()})
	case store.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})
	case store.IsConflict(err):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	default:
		s.log.WithError(err).
			WithField("path", r.URL.Path).
			Error("Request failed")

		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
	}
}

type submitRequest struct {
	URL string `json:"url"`
}

type submitResponse struct {
	RunID  string          `json:"run_id"`
	URL    string          `json:"url"`
	Status store.RunStatus `json:"status"`
}

type runSummary struct {
	RunID     string          `json:"run_id"`
	URL       string          `json:"url"`
	Status    store.RunStatus `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmit creates a run from a JSON body.
func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	s.submit(w, r, req.URL)
}

// handleAnalyze creates a run from the url query parameter.
func (s *server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, r.URL.Query().Get("url"))
}

func (s *server) submit(w http.ResponseWriter, r *http.Request, raw string) {
	run, err := s.service.Submit(r.Context(), raw)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	w.Header().Set("Location", "/api/v1/runs/"+run.RunID)
	writeJSON(w, http.StatusAccepted, submitResponse{
		RunID:  run.RunID,
		URL:    run.URL,
		Status: run.Status,
	})
}

// handleListRuns returns recent runs for the url query parameter.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"url query parameter is required"})

		return
	}

	limit := defaultListLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"limit must be a positive integer"})

			return
		}

		limit = min(n, maxListLimit)
	}

	runs, err := s.service.ListByURL(r.Context(), raw, limit)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	resp := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runSummary{
			RunID:     run.RunID,
			URL:       run.URL,
			Status:    run.Status,
			Reason:    run.Reason,
			CreatedAt: run.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": resp})
}

// handleGetRun returns the run, its stage records and, once succeeded,
// the verdict.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleReport renders the run as a report, Markdown unless ?format=
// selects another format.
func (s *server) handleReport(w http.ResponseWriter, r *http.Request) {
	format := report.FormatMarkdown

	if v := r.URL.Query().Get("format"); v != "" {
		f, err := report.ParseFormat(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

			return
		}

		format = f
	}

	result, err := s.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var buf bytes.Buffer
	if err := report.Render(&buf, format, result); err != nil {
		s.writeError(w, r, err)

		return
	}

	w.Header().Set("Content-Type", contentType(format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// handleCancel requests cancellation of a run.
func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, err := s.service.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":           run.RunID,
		"status":           run.Status,
		"cancel_requested": run.CancelRequested,
	})
}

func contentType(format report.Format) string {
	switch format {
	case report.FormatJSON:
		return "application/json"
	case report.FormatYAML:
		return "application/yaml"
	case report.FormatMarkdown:
		return "text/markdown; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}
