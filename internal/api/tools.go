// Package api provides the node's local HTTP status/diagnostics surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/rfstate"
)

// ToolsHandler handles network diagnostic and RF-state inspection requests.
type ToolsHandler struct {
	rf      *rfstate.Store
	selfMac radio.Mac
	token   string
}

// NewToolsHandler creates a new tools handler.
func NewToolsHandler(rf *rfstate.Store, selfMac radio.Mac, token string) *ToolsHandler {
	return &ToolsHandler{rf: rf, selfMac: selfMac, token: token}
}

// ToolRequest is the request body for tool endpoints.
type ToolRequest struct {
	Target string `json:"target"`
}

// ToolResponse is the response for tool endpoints.
type ToolResponse struct {
	Result string `json:"result"`
}

// HandlePing handles POST /ping - ICMP ping
func (h *ToolsHandler) HandlePing(w http.ResponseWriter, r *http.Request) {
	h.handleTool(w, r, func(target string) (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cmd := exec.CommandContext(ctx, "ping", "-c", "4", "-W", "2", target)
		output, _ := cmd.CombinedOutput()
		return string(output), nil
	})
}

// HandleTcping handles POST /tcping - TCP connectivity test
func (h *ToolsHandler) HandleTcping(w http.ResponseWriter, r *http.Request) {
	h.handleTool(w, r, func(target string) (string, error) {
		host, port, err := net.SplitHostPort(target)
		if err != nil {
			host = target
			port = "80"
		}

		var results []string
		for i := 0; i < 4; i++ {
			start := time.Now()
			conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 2*time.Second)
			elapsed := time.Since(start)

			if err != nil {
				results = append(results, fmt.Sprintf("Connection %d: failed - %v", i+1, err))
			} else {
				conn.Close()
				results = append(results, fmt.Sprintf("Connection %d: connected in %v", i+1, elapsed.Round(time.Millisecond)))
			}
			time.Sleep(250 * time.Millisecond)
		}
		return strings.Join(results, "\n"), nil
	})
}

// HandleTrace handles POST /trace - Traceroute
func (h *ToolsHandler) HandleTrace(w http.ResponseWriter, r *http.Request) {
	h.handleTool(w, r, func(target string) (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		cmd := exec.CommandContext(ctx, "traceroute", "-m", "20", "-w", "2", target)
		output, _ := cmd.CombinedOutput()
		return string(output), nil
	})
}

// HandleLinkState handles POST /linkstate - dumps the stored RF link state
// (tx beam, rx beam, tx power) of the link from this node to a neighbor
// MAC, target being the remote MAC address rather than a host.
func (h *ToolsHandler) HandleLinkState(w http.ResponseWriter, r *http.Request) {
	h.handleTool(w, r, func(target string) (string, error) {
		mac, err := radio.ParseMac(target)
		if err != nil {
			return "", fmt.Errorf("invalid mac %q: %w", target, err)
		}
		state, ok := h.rf.LinkState(rfstate.LinkKey{Tx: h.selfMac, Rx: mac})
		if !ok {
			return fmt.Sprintf("no RF state stored for %s", mac), nil
		}
		data, err := json.Marshal(state)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
}

// handleTool is a helper that handles common tool request/response logic.
func (h *ToolsHandler) handleTool(w http.ResponseWriter, r *http.Request, fn func(target string) (string, error)) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Method not allowed"})
		return
	}

	if h.token != "" {
		auth := r.Header.Get("Authorization")
		expected := "Bearer " + h.token
		if auth != expected {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(ErrorResponse{Error: "Unauthorized"})
			return
		}
	}

	var req ToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Invalid request body"})
		return
	}

	if req.Target == "" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Missing target"})
		return
	}

	// Basic input validation - prevent command injection
	if strings.ContainsAny(req.Target, ";&|`$(){}[]<>\\\"'") {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Invalid target"})
		return
	}

	result, err := fn(req.Target)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		errMsg := "Command execution failed"
		if strings.Contains(err.Error(), "timeout") {
			errMsg = "Command timed out"
		}
		json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg})
		return
	}

	json.NewEncoder(w).Encode(ToolResponse{Result: result})
}
