package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// RecordHandler serves the execution audit trail.
type RecordHandler struct {
	records domain.ExecutionStore
	logger  *slog.Logger
}

// NewRecordHandler creates a RecordHandler with the given store and logger.
func NewRecordHandler(records domain.ExecutionStore, logger *slog.Logger) *RecordHandler {
	return &RecordHandler{records: records, logger: logHandler(logger, "records")}
}

// listRecordsResponse wraps the record list response.
type listRecordsResponse struct {
	Records []domain.ExecutionRecord `json:"records"`
}

// ListRecords returns execution records, newest first.
// GET /api/records?limit=50&offset=0&since=...&until=...
func (h *RecordHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	records, err := h.records.ListRange(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list execution records failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list execution records")
		return
	}

	if records == nil {
		records = []domain.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, listRecordsResponse{Records: records})
}

// GetRecord returns a single execution record.
// GET /api/records/{id}
func (h *RecordHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing record id")
		return
	}

	rec, err := h.records.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get execution record failed",
			slog.String("record_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get execution record")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}
