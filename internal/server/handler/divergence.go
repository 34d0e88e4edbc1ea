package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// DivergenceHandler serves reconciliation divergence events.
type DivergenceHandler struct {
	divergences domain.DivergenceStore
	logger      *slog.Logger
}

// NewDivergenceHandler creates a DivergenceHandler with the given store and
// logger.
func NewDivergenceHandler(divergences domain.DivergenceStore, logger *slog.Logger) *DivergenceHandler {
	return &DivergenceHandler{divergences: divergences, logger: logHandler(logger, "divergences")}
}

// listDivergencesResponse wraps the divergence list response.
type listDivergencesResponse struct {
	Divergences []domain.DivergenceEvent `json:"divergences"`
}

// ListDivergences returns divergence events, newest first. When both the
// protocol and account query parameters are set, results are scoped to that
// position.
// GET /api/divergences?protocol=...&account=...&limit=50
func (h *DivergenceHandler) ListDivergences(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	q := r.URL.Query()

	var (
		events []domain.DivergenceEvent
		err    error
	)
	protocol, account := q.Get("protocol"), q.Get("account")
	if protocol != "" && account != "" {
		key := domain.PositionKey{Protocol: protocol, Account: account}
		events, err = h.divergences.ListByPosition(r.Context(), key, opts)
	} else {
		events, err = h.divergences.ListRange(r.Context(), opts)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list divergence events failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list divergence events")
		return
	}

	if events == nil {
		events = []domain.DivergenceEvent{}
	}
	writeJSON(w, http.StatusOK, listDivergencesResponse{Divergences: events})
}
