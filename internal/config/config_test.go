package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	configContent := `{
		"server": {
			"listen": ":9090",
			"readTimeout": 15,
			"writeTimeout": 15,
			"idleTimeout": 60
		},
		"node": {
			"name": "test-node",
			"id": 1,
			"site": "test-site",
			"isCn": true
		},
		"controller": {
			"url": "https://test.example.com",
			"token": "test-token",
			"requestTimeout": 10,
			"statusReportInterval": 1
		},
		"radio": {
			"macs": ["aa:aa:aa:aa:aa:aa"],
			"polarities": {"aa:aa:aa:aa:aa:aa": "odd"}
		}
	}`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Listen != ":9090" {
		t.Errorf("Expected listen :9090, got %s", cfg.Server.Listen)
	}
	if cfg.Node.Name != "test-node" {
		t.Errorf("Expected node name test-node, got %s", cfg.Node.Name)
	}
	if cfg.Node.ID != 1 {
		t.Errorf("Expected node ID 1, got %d", cfg.Node.ID)
	}
	if !cfg.Node.IsCn {
		t.Error("Expected isCn true")
	}
	if cfg.Controller.URL != "https://test.example.com" {
		t.Errorf("Expected controller URL https://test.example.com, got %s", cfg.Controller.URL)
	}
	if len(cfg.Radio.Macs) != 1 || cfg.Radio.Macs[0] != "aa:aa:aa:aa:aa:aa" {
		t.Errorf("Expected one radio mac, got %v", cfg.Radio.Macs)
	}
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	configContent := `{
		"node": {"name": "minimal"},
		"controller": {"url": "https://ctrl.test", "token": "tok"}
	}`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Listen != ":8080" {
		t.Errorf("Expected default listen :8080, got %s", cfg.Server.Listen)
	}
	if cfg.Controller.StatusReportInterval != 1 {
		t.Errorf("Expected default status report interval 1, got %d", cfg.Controller.StatusReportInterval)
	}
	if cfg.Controller.MaxRetries != 3 {
		t.Errorf("Expected default max retries 3, got %d", cfg.Controller.MaxRetries)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	if err == nil {
		t.Error("Expected error for nonexistent file")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.json")

	if err := os.WriteFile(configPath, []byte("not valid json"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestLoadControllerFlags(t *testing.T) {
	tmpDir := t.TempDir()
	flagsPath := filepath.Join(tmpDir, "controller.yaml")
	content := "listen_addr: \":9443\"\nnum_colors: 8\nscan_max_results: 1000\n"
	if err := os.WriteFile(flagsPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test flags: %v", err)
	}

	flags, err := LoadControllerFlags(flagsPath)
	if err != nil {
		t.Fatalf("Failed to load controller flags: %v", err)
	}
	if flags.ListenAddr != ":9443" {
		t.Errorf("Expected listen addr :9443, got %s", flags.ListenAddr)
	}
	if flags.NumColors != 8 {
		t.Errorf("Expected num_colors 8, got %d", flags.NumColors)
	}
	if flags.ImScanIntervalS != 30 {
		t.Errorf("Expected default im_scan_interval_s 30, got %d", flags.ImScanIntervalS)
	}
}
