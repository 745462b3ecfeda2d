package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/terragraph-mesh/tgctl/internal/httpclient"
)

// BootstrapConfig is the minimal local configuration a fresh minion starts
// with before it has a full NodeConfig: enough to reach the controller and
// ask for the rest.
type BootstrapConfig struct {
	Bootstrap struct {
		ControllerURL string `json:"controllerUrl"`
		NodeName      string `json:"nodeName"`
		Token         string `json:"token"`
	} `json:"bootstrap"`
	Server ServerConfig `json:"server"`
}

// LoadWithBootstrap loads path as a full NodeConfig; if that fails or is
// missing required fields, it falls back to bootstrap mode: reading a
// minimal local BootstrapConfig and fetching the rest from the controller.
func LoadWithBootstrap(path string) (*NodeConfig, error) {
	full, err := Load(path)
	if err == nil && full.Node.Name != "" && len(full.Radio.Macs) > 0 {
		full.Path = path
		slog.Info("loaded full node config", slog.String("node", full.Node.Name))
		return full, nil
	}

	slog.Info("full node config unavailable, attempting bootstrap mode")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var bootstrap BootstrapConfig
	if err := json.Unmarshal(data, &bootstrap); err != nil {
		return nil, fmt.Errorf("failed to parse bootstrap config: %w", err)
	}
	if bootstrap.Bootstrap.ControllerURL == "" || bootstrap.Bootstrap.NodeName == "" {
		return nil, fmt.Errorf("bootstrap config missing required fields (controllerUrl, nodeName)")
	}

	slog.Info("bootstrap: fetching node config from controller",
		slog.String("controllerUrl", bootstrap.Bootstrap.ControllerURL),
		slog.String("node", bootstrap.Bootstrap.NodeName))

	remote, err := fetchNodeConfigFromController(bootstrap)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config from controller: %w", err)
	}

	cfg := mergeConfig(bootstrap, remote)
	cfg.Path = path
	return cfg, nil
}

// fetchNodeConfigFromController fetches the remainder of the node config
// from the controller's bootstrap endpoint.
func fetchNodeConfigFromController(bootstrap BootstrapConfig) (*RemoteConfig, error) {
	url := fmt.Sprintf("%s/api/v1/node/%s/config",
		bootstrap.Bootstrap.ControllerURL,
		bootstrap.Bootstrap.NodeName,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bootstrap.Bootstrap.Token)
	req.Header.Set("Accept", "application/json")

	client := httpclient.New(&http.Client{Timeout: 30 * time.Second}, httpclient.RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
	}, slog.Default())
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("controller returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Code int          `json:"code"`
		Data RemoteConfig `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, err
	}
	return &response.Data, nil
}

// RemoteConfig is the portion of a NodeConfig the controller serves over
// the bootstrap endpoint.
type RemoteConfig struct {
	Node       NodeIdentity     `json:"node"`
	Radio      RadioConfig      `json:"radio"`
	AutoUpdate AutoUpdateConfig `json:"autoUpdate"`
}

// mergeConfig combines the locally-known bootstrap fields with the
// controller-served remainder into a complete NodeConfig.
func mergeConfig(bootstrap BootstrapConfig, remote *RemoteConfig) *NodeConfig {
	cfg := &NodeConfig{
		Server:     bootstrap.Server,
		Node:       remote.Node,
		Radio:      remote.Radio,
		AutoUpdate: remote.AutoUpdate,
		Controller: ControllerConn{
			URL:   bootstrap.Bootstrap.ControllerURL,
			Token: bootstrap.Bootstrap.Token,
		},
	}
	cfg.applyDefaults()
	return cfg
}
