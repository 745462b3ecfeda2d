// Package maintenance implements node-level maintenance mode: an
// administrative withdrawal flag that the controller's StartScan dispatch
// and the minion's ignition attempt and /restart paths consult before
// launching new scans or association attempts.
package maintenance

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	// stateFilePath records maintenance mode across restarts.
	stateFilePath = "/var/lib/tgctl/maintenance.state"
)

// State tracks whether this node is administratively withdrawn: while
// enabled, the owning binary's main loop should refuse to start new scans
// (internal/scan.Orchestrator.StartScan) and new ignition attempts
// (internal/ignition.Engine.SetLinkUp) for this node's radios.
type State struct {
	mu        sync.RWMutex
	enabled   bool
	enteredAt time.Time
	log       *slog.Logger
}

// NewState creates a maintenance state manager, restoring state from disk.
func NewState(log *slog.Logger) *State {
	if log == nil {
		log = slog.Default()
	}
	s := &State{log: log}
	s.readCurrentState()
	return s
}

func (s *State) readCurrentState() {
	data, err := os.ReadFile(stateFilePath)
	if err != nil {
		return
	}
	if string(data) == "enabled\n" {
		s.enabled = true
		s.enteredAt = time.Now() // approximate: not persisted across restarts
	}
}

// IsEnabled returns whether maintenance mode is currently enabled.
func (s *State) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// EnteredAt returns when maintenance mode was entered.
func (s *State) EnteredAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enteredAt
}

// Enter withdraws the node from new scan/ignition activity.
func (s *State) Enter() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled {
		return nil
	}

	if err := os.MkdirAll("/var/lib/tgctl", 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := os.WriteFile(stateFilePath, []byte("enabled\n"), 0644); err != nil {
		return fmt.Errorf("failed to write maintenance state: %w", err)
	}

	s.enabled = true
	s.enteredAt = time.Now()
	s.log.Info("entering maintenance mode: new scans and ignition attempts will be refused")
	return nil
}

// Exit restores normal scan/ignition activity.
func (s *State) Exit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return nil
	}

	if err := os.WriteFile(stateFilePath, []byte("disabled\n"), 0644); err != nil {
		return fmt.Errorf("failed to write maintenance state: %w", err)
	}

	s.enabled = false
	s.enteredAt = time.Time{}
	s.log.Info("exiting maintenance mode: resuming normal scan and ignition activity")
	return nil
}
