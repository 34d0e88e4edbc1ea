package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// AdminControl is the slice of the governor the admin endpoints need.
type AdminControl interface {
	State() domain.AvailabilityState
	Resume(ctx context.Context, operator string) error
	Pause(ctx context.Context, operator string)
}

// AdminHandler serves the operator control endpoints. These sit behind the
// HMAC signature middleware in addition to the API key.
type AdminHandler struct {
	control AdminControl
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler with the given control and logger.
func NewAdminHandler(control AdminControl, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{control: control, logger: logHandler(logger, "admin")}
}

// adminRequest carries the operator identity for the audit trail.
type adminRequest struct {
	Operator string `json:"operator"`
}

func decodeAdminRequest(r *http.Request) adminRequest {
	var req adminRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Operator == "" {
		req.Operator = "unknown"
	}
	return req
}

// Resume clears a Halted state. It is the only way out of Halted.
// POST /api/admin/resume
func (h *AdminHandler) Resume(w http.ResponseWriter, r *http.Request) {
	req := decodeAdminRequest(r)

	if err := h.control.Resume(r.Context(), req.Operator); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	h.logger.InfoContext(r.Context(), "operator resume",
		slog.String("operator", req.Operator),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"availability": string(h.control.State()),
	})
}

// Pause forces the engine into Halted.
// POST /api/admin/pause
func (h *AdminHandler) Pause(w http.ResponseWriter, r *http.Request) {
	req := decodeAdminRequest(r)

	h.control.Pause(r.Context(), req.Operator)

	h.logger.InfoContext(r.Context(), "operator pause",
		slog.String("operator", req.Operator),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"availability": string(h.control.State()),
	})
}
