// Package config loads the two configuration surfaces of the control
// plane: per-node JSON configuration (radio identity, controller
// connection, scheduling overrides) fetched or read locally by a minion,
// and the controller's own YAML startup flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the per-minion configuration, per SPEC_FULL.md §6/§10.
type NodeConfig struct {
	Server     ServerConfig     `json:"server"`
	Node       NodeIdentity     `json:"node"`
	Controller ControllerConn   `json:"controller"`
	Radio      RadioConfig      `json:"radio"`
	AutoUpdate AutoUpdateConfig `json:"autoUpdate"`

	// Path is the file this config was loaded from, not part of the JSON
	// shape itself; used to recompute the config digest reported to the
	// controller (SPEC_FULL.md §6).
	Path string `json:"-"`
}

// ServerConfig contains the minion's local HTTP status-surface settings.
type ServerConfig struct {
	Listen       string `json:"listen"`
	ReadTimeout  int    `json:"readTimeout"`
	WriteTimeout int    `json:"writeTimeout"`
	IdleTimeout  int    `json:"idleTimeout"`
}

// NodeIdentity identifies the minion and its site.
type NodeIdentity struct {
	Name     string `json:"name"`
	ID       int    `json:"id"`
	Site     string `json:"site"`
	IsPop    bool   `json:"isPop"`
	IsCn     bool   `json:"isCn"`
}

// ControllerConn contains controller-communication settings.
type ControllerConn struct {
	URL                string `json:"url"`
	Token              string `json:"token"`
	RequestTimeout     int    `json:"requestTimeout"`     // seconds
	StatusReportInterval int  `json:"statusReportInterval"` // seconds
	MaxRetries         int    `json:"maxRetries"`
	RetryInitialDelay  int    `json:"retryInitialDelay"` // milliseconds
}

// RadioConfig lists the radio MACs this minion owns and their polarity.
type RadioConfig struct {
	Macs           []string `json:"macs"`
	Polarities     map[string]string `json:"polarities"` // mac -> odd|even|hybrid|none
}

// AutoUpdateConfig contains self-update settings.
type AutoUpdateConfig struct {
	Enabled       bool   `json:"enabled"`
	CheckInterval int    `json:"checkInterval"` // minutes
	Channel       string `json:"channel"`       // stable / beta
	GitHubRepo    string `json:"githubRepo"`
}

// Load reads and defaults a NodeConfig from a JSON file.
func Load(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg NodeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.Path = path
	return &cfg, nil
}

func (cfg *NodeConfig) applyDefaults() {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120
	}
	if cfg.Controller.RequestTimeout == 0 {
		cfg.Controller.RequestTimeout = 15
	}
	if cfg.Controller.StatusReportInterval == 0 {
		cfg.Controller.StatusReportInterval = 1 // spec.md §6: 1s cadence
	}
	if cfg.Controller.MaxRetries == 0 {
		cfg.Controller.MaxRetries = 3
	}
	if cfg.Controller.RetryInitialDelay == 0 {
		cfg.Controller.RetryInitialDelay = 1000
	}
	if cfg.AutoUpdate.CheckInterval == 0 {
		cfg.AutoUpdate.CheckInterval = 60
	}
	if cfg.AutoUpdate.Channel == "" {
		cfg.AutoUpdate.Channel = "stable"
	}
}

// ControllerFlags is the controller process's own startup configuration,
// read as YAML per SPEC_FULL.md §11 (distinguishing it from the JSON
// per-node config the controller serves to minions).
type ControllerFlags struct {
	ListenAddr            string  `yaml:"listen_addr"`
	NumColors             int     `yaml:"num_colors"`
	ScanMaxResults         int     `yaml:"scan_max_results"`
	ScansStartTimeOffsetS  float64 `yaml:"scans_start_time_offset_s"`
	ImScanIntervalS        int     `yaml:"im_scan_interval_s"`
	CombinedScanIntervalS  int     `yaml:"combined_scan_interval_s"`
	TopoScanIntervalS      int     `yaml:"topo_scan_interval_s"`
	CbfMaxTxPwrIndex       int     `yaml:"cbf_max_tx_pwr_index"`
}

// LoadControllerFlags reads and defaults ControllerFlags from a YAML file.
func LoadControllerFlags(path string) (*ControllerFlags, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read controller flags: %w", err)
	}
	var flags ControllerFlags
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return nil, fmt.Errorf("failed to parse controller flags: %w", err)
	}
	flags.applyDefaults()
	return &flags, nil
}

func (f *ControllerFlags) applyDefaults() {
	if f.ListenAddr == "" {
		f.ListenAddr = ":8443"
	}
	if f.NumColors == 0 {
		f.NumColors = 4
	}
	if f.ScanMaxResults == 0 {
		f.ScanMaxResults = 5000
	}
	if f.ScansStartTimeOffsetS == 0 {
		f.ScansStartTimeOffsetS = 5
	}
	if f.ImScanIntervalS == 0 {
		f.ImScanIntervalS = 30
	}
	if f.CombinedScanIntervalS == 0 {
		f.CombinedScanIntervalS = 300
	}
	if f.TopoScanIntervalS == 0 {
		f.TopoScanIntervalS = 120
	}
	if f.CbfMaxTxPwrIndex == 0 {
		f.CbfMaxTxPwrIndex = 21 // matches scan.DefaultCbfMaxTxPwrIndex
	}
}
