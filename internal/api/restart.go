package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/terragraph-mesh/tgctl/internal/ignition"
	"github.com/terragraph-mesh/tgctl/internal/maintenance"
	"github.com/terragraph-mesh/tgctl/internal/radio"
)

// RestartHandler handles forced re-ignition of a link.
type RestartHandler struct {
	log         *slog.Logger
	engine      *ignition.Engine
	selfMac     radio.Mac
	maintenance *maintenance.State
}

// NewRestartHandler creates a new restart handler.
func NewRestartHandler(log *slog.Logger, engine *ignition.Engine, selfMac radio.Mac, maint *maintenance.State) *RestartHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RestartHandler{log: log, engine: engine, selfMac: selfMac, maintenance: maint}
}

// RestartRequest is the request body for /restart.
type RestartRequest struct {
	ResponderMac string `json:"responder_mac"`
	Ifname       string `json:"ifname"`
	Wsec         bool   `json:"wsec"`
}

// RestartResponse is the response for /restart.
type RestartResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HandleRestart handles POST /restart: forces a fresh ignition attempt
// toward responder_mac. The request is refused with success=false while
// the node is in maintenance mode or while a responder is already in
// flight.
func (h *RestartHandler) HandleRestart(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	var req RestartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Invalid JSON: " + err.Error()})
		return
	}

	if req.ResponderMac == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "responder_mac is required"})
		return
	}

	responder, err := radio.ParseMac(req.ResponderMac)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "invalid responder_mac: " + err.Error()})
		return
	}

	h.log.Info("restart requested", slog.String("responder", responder.String()))

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.maintenance != nil && h.maintenance.IsEnabled() {
		json.NewEncoder(w).Encode(RestartResponse{
			Success: false,
			Message: "node is in maintenance mode; ignition attempts are refused",
		})
		return
	}

	if h.engine.HasCurrResponder(ctx) {
		json.NewEncoder(w).Encode(RestartResponse{
			Success: false,
			Message: "a responder is already in flight; request ignored",
		})
		return
	}

	h.engine.SetLinkUp(ctx, h.selfMac, responder, req.Ifname, req.Wsec)

	json.NewEncoder(w).Encode(RestartResponse{
		Success: true,
		Message: "ignition attempt requested for " + responder.String(),
	})
}
