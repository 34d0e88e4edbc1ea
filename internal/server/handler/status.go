package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// AvailabilitySource exposes the current admission state.
type AvailabilitySource interface {
	State() domain.AvailabilityState
}

// StatusHandler serves the engine status: availability state, the latest
// performance snapshot, and process uptime.
type StatusHandler struct {
	availability AvailabilitySource
	snapshots    domain.SnapshotStore
	mode         string
	startedAt    time.Time
	logger       *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(availability AvailabilitySource, snapshots domain.SnapshotStore, mode string, startedAt time.Time, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		availability: availability,
		snapshots:    snapshots,
		mode:         mode,
		startedAt:    startedAt,
		logger:       logHandler(logger, "status"),
	}
}

// GetStatus responds with the current availability state and latest metrics.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.mode,
		"availability":   string(h.availability.State()),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}

	snap, err := h.snapshots.Latest(r.Context())
	switch {
	case err == nil:
		resp["metrics"] = map[string]any{
			"window_size":          snap.WindowSize,
			"inclusion_rate":       snap.InclusionRate,
			"sim_accuracy":         snap.SimAccuracy,
			"consecutive_failures": snap.ConsecutiveFailures,
			"daily_volume_usd":     snap.DailyVolumeUSD,
			"computed_at":          snap.ComputedAt.UTC().Format(time.RFC3339),
		}
	case errors.Is(err, domain.ErrNotFound):
		// No snapshot yet; status is still served.
	default:
		h.logger.WarnContext(r.Context(), "latest snapshot unavailable",
			slog.String("error", err.Error()),
		)
	}

	writeJSON(w, http.StatusOK, resp)
}
