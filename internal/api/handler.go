// Package api provides the node's local HTTP status/diagnostics surface.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/terragraph-mesh/tgctl/internal/ignition"
	"github.com/terragraph-mesh/tgctl/internal/maintenance"
	"github.com/terragraph-mesh/tgctl/internal/metrics"
	"github.com/terragraph-mesh/tgctl/internal/rfstate"
	"github.com/terragraph-mesh/tgctl/internal/scan"
)

// Handler holds the dependencies for API handlers. Only Version,
// MaintenanceState and Metrics are required; the scan/RF/ignition fields
// are optional and populated by whichever of tg-controller or tg-minion
// constructs the handler, so /status reports only what that process
// actually tracks.
type Handler struct {
	Version          string
	MaintenanceState *maintenance.State
	Metrics          *metrics.Metrics

	Orchestrator *scan.Orchestrator // tg-controller only
	RF           *rfstate.Store     // tg-controller and tg-minion
	Ignition     *ignition.Engine   // tg-minion only
}

// NewHandler creates a new API handler with just the fields common to both
// processes. Use the Handler struct literal directly to also wire the
// optional scan/RF/ignition fields.
func NewHandler(version string, maintenanceState *maintenance.State, m *metrics.Metrics) *Handler {
	return &Handler{
		Version:          version,
		MaintenanceState: maintenanceState,
		Metrics:          m,
	}
}

// StatusResponse is the response for the /status endpoint.
type StatusResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	MaintenanceMode bool   `json:"maintenance_mode"`
	Uptime          int64  `json:"uptime,omitempty"`

	TrackedLinks int `json:"tracked_links,omitempty"`

	ScanTrackedScans int `json:"scan_tracked_scans,omitempty"`
	ScanInFlight     int `json:"scan_in_flight,omitempty"`
	ScanTimedOut     int `json:"scan_timed_out,omitempty"`

	IgnitionState           string `json:"ignition_state,omitempty"`
	IgnitionIgnitedNeighbors int   `json:"ignition_ignited_neighbors,omitempty"`
}

// MaintenanceResponse is the response for maintenance endpoints.
type MaintenanceResponse struct {
	MaintenanceMode bool      `json:"maintenance_mode"`
	EnteredAt       time.Time `json:"entered_at,omitempty"`
	Message         string    `json:"message,omitempty"`
}

// ErrorResponse is the response for errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

var startTime = time.Now()

// HandleStatus handles GET /status, reporting the tracked RF link count,
// scan orchestrator stats and ignition state (each when its source is set)
// alongside the generic process status fields.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := StatusResponse{
		Status:          "ok",
		Version:         h.Version,
		MaintenanceMode: h.MaintenanceState.IsEnabled(),
		Uptime:          int64(time.Since(startTime).Seconds()),
	}

	if h.RF != nil {
		resp.TrackedLinks = len(h.RF.SortedLinkKeys())
	}
	if h.Orchestrator != nil {
		stats := h.Orchestrator.Stats(r.Context())
		resp.ScanTrackedScans = stats.TrackedScans
		resp.ScanInFlight = stats.InFlight
		resp.ScanTimedOut = stats.TimedOut
	}
	if h.Ignition != nil {
		resp.IgnitionState = h.Ignition.State(r.Context()).String()
		resp.IgnitionIgnitedNeighbors = len(h.Ignition.IgnitedNeighbors(r.Context()))
	}

	json.NewEncoder(w).Encode(resp)
}

// HandleMaintenance handles GET /maintenance
func (h *Handler) HandleMaintenance(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := MaintenanceResponse{
		MaintenanceMode: h.MaintenanceState.IsEnabled(),
		EnteredAt:       h.MaintenanceState.EnteredAt(),
	}

	json.NewEncoder(w).Encode(resp)
}

// HandleMaintenanceStart handles POST /maintenance/start
func (h *Handler) HandleMaintenanceStart(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	if err := h.MaintenanceState.Enter(); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
		return
	}

	resp := MaintenanceResponse{
		MaintenanceMode: true,
		EnteredAt:       h.MaintenanceState.EnteredAt(),
		Message:         "Maintenance mode enabled: new scans and ignition attempts refused",
	}

	json.NewEncoder(w).Encode(resp)
}

// HandleMaintenanceStop handles POST /maintenance/stop
func (h *Handler) HandleMaintenanceStop(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	if err := h.MaintenanceState.Exit(); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
		return
	}

	resp := MaintenanceResponse{
		MaintenanceMode: false,
		Message:         "Maintenance mode disabled: normal scan and ignition activity resumed",
	}

	json.NewEncoder(w).Encode(resp)
}

// HandleMetrics handles GET /metrics (Prometheus exposition format).
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	h.Metrics.Handler().ServeHTTP(w, r)
}
