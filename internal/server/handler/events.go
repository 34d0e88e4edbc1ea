package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// EventHandler serves availability-transition events and performance
// snapshots.
type EventHandler struct {
	events    domain.SystemEventStore
	snapshots domain.SnapshotStore
	logger    *slog.Logger
}

// NewEventHandler creates an EventHandler with the given stores and logger.
func NewEventHandler(events domain.SystemEventStore, snapshots domain.SnapshotStore, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, snapshots: snapshots, logger: logHandler(logger, "events")}
}

// listEventsResponse wraps the system event list response.
type listEventsResponse struct {
	Events []domain.SystemEvent `json:"events"`
}

// ListEvents returns availability transitions, newest first.
// GET /api/events?limit=50
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.ListRange(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list system events failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list system events")
		return
	}

	if events == nil {
		events = []domain.SystemEvent{}
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: events})
}

// listSnapshotsResponse wraps the snapshot list response.
type listSnapshotsResponse struct {
	Snapshots []domain.PerformanceSnapshot `json:"snapshots"`
}

// ListSnapshots returns performance snapshots, newest first.
// GET /api/snapshots?limit=50
func (h *EventHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.snapshots.ListRange(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list performance snapshots failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list performance snapshots")
		return
	}

	if snaps == nil {
		snaps = []domain.PerformanceSnapshot{}
	}
	writeJSON(w, http.StatusOK, listSnapshotsResponse{Snapshots: snaps})
}
