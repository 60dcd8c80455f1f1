package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"market-pipeline/internal/backfill"
	"market-pipeline/internal/domain"
	"market-pipeline/internal/query"
	"market-pipeline/internal/runs"
	"market-pipeline/internal/storage"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Query.Summary(r.Context(), r.PathValue("zone"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := query.RangeRequest{Zone: r.PathValue("zone")}

	var err error
	if v := q.Get("price_type"); v != "" {
		if req.PriceType, err = domain.ParsePriceType(v); err != nil {
			s.writeError(w, fmt.Errorf("%w: %v", query.ErrInvalidRequest, err))
			return
		}
	}
	if req.Start, err = parseTime(q.Get("start"), "start"); err != nil {
		s.writeError(w, err)
		return
	}
	if req.End, err = parseTime(q.Get("end"), "end"); err != nil {
		s.writeError(w, err)
		return
	}
	if q.Has("location") {
		loc := q.Get("location")
		req.Location = &loc
	}
	if req.Page, err = parseInt(q.Get("page"), "page"); err != nil {
		s.writeError(w, err)
		return
	}
	if req.PageSize, err = parseInt(q.Get("page_size"), "page_size"); err != nil {
		s.writeError(w, err)
		return
	}

	page, err := s.deps.Query.Range(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	windows, err := parseInt(r.URL.Query().Get("windows"), "windows")
	if err != nil {
		s.writeError(w, err)
		return
	}
	metrics, err := s.deps.Query.QualityHistory(r.Context(), r.PathValue("zone"), windows)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if metrics == nil {
		metrics = []domain.QualityMetric{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"zone": r.PathValue("zone"), "metrics": metrics})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Query.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEnableSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wasDisabled := s.deps.Sources.IsDisabled(id)
	if err := s.deps.Sources.Enable(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	if wasDisabled {
		s.logger.Info().Str("source", id).Msg("source re-enabled by operator")
		if s.deps.Enabled != nil {
			s.deps.Enabled.SourceEnabled(r.Context(), id)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": true})
}

func (s *Server) handleStartBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfill.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", backfill.ErrInvalidRequest, err))
		return
	}
	run, err := s.deps.Backfills.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/backfills/"+run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetBackfill(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelBackfill(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Backfills.Cancel(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": r.PathValue("id"), "cancelling": true})
}

// errorStatus maps domain errors onto HTTP status codes and error codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, query.ErrRangeTooLarge), errors.Is(err, backfill.ErrRangeTooLarge):
		return http.StatusBadRequest, "range_too_large"
	case errors.Is(err, query.ErrInvalidRequest), errors.Is(err, backfill.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, query.ErrUnknownZone):
		return http.StatusNotFound, "unknown_zone"
	case errors.Is(err, backfill.ErrUnknownSource):
		return http.StatusNotFound, "unknown_source"
	case errors.Is(err, runs.ErrUnknownRun):
		return http.StatusNotFound, "unknown_run"
	case errors.Is(err, backfill.ErrSourceDisabled):
		return http.StatusConflict, "source_disabled"
	case errors.Is(err, backfill.ErrNotResumable):
		return http.StatusConflict, "not_resumable"
	case errors.Is(err, query.ErrStoreUnavailable), errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.opts.RetryAfter.Seconds())))
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("code", code).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func parseTime(v, name string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", query.ErrInvalidRequest, name)
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC3339: %v", query.ErrInvalidRequest, name, err)
	}
	return t.UTC(), nil
}

func parseInt(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", query.ErrInvalidRequest, name)
	}
	return n, nil
}
