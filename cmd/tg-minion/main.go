// Command tg-minion runs the Terragraph control-plane minion: the ignition
// state machine, distributed (self) ignition, scan response delivery, and
// periodic status reporting to the controller.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/terragraph-mesh/tgctl/internal/api"
	"github.com/terragraph-mesh/tgctl/internal/broker"
	"github.com/terragraph-mesh/tgctl/internal/config"
	"github.com/terragraph-mesh/tgctl/internal/distignition"
	"github.com/terragraph-mesh/tgctl/internal/gpsclock"
	"github.com/terragraph-mesh/tgctl/internal/gpsd"
	"github.com/terragraph-mesh/tgctl/internal/ignition"
	"github.com/terragraph-mesh/tgctl/internal/maintenance"
	"github.com/terragraph-mesh/tgctl/internal/metrics"
	"github.com/terragraph-mesh/tgctl/internal/radio"
	"github.com/terragraph-mesh/tgctl/internal/rfstate"
	"github.com/terragraph-mesh/tgctl/internal/statusreport"
	"github.com/terragraph-mesh/tgctl/internal/updater"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 30 * time.Second

// noopDriver stands in for the firmware/802.1X shim the real minion talks
// to; wiring that ABI is out of this module's scope (spec.md §1).
type noopDriver struct{ log *slog.Logger }

func (d *noopDriver) SetLinkStatus(ctx context.Context, ifname string, mac radio.Mac, up bool) error {
	d.log.Info("driver: set link status", slog.String("ifname", ifname), slog.String("mac", mac.String()), slog.Bool("up", up))
	return nil
}
func (d *noopDriver) RequestDevAlloc(ctx context.Context, mac radio.Mac) {}
func (d *noopDriver) KillSupplicant(ifname string)                      {}
func (d *noopDriver) StartAuthenticator(ifname string)                  {}
func (d *noopDriver) RestartSupplicant(ifname string)                   {}

// busNotifier forwards ignition link-status transitions to the controller
// over the broker as MsgLinkStatus envelopes.
type busNotifier struct {
	bus    broker.Dispatcher
	nodeID string
}

func (n *busNotifier) NotifyLinkStatus(mac radio.Mac, up bool, wsec bool) {
	payload := struct {
		Mac  radio.Mac
		Up   bool
		Wsec bool
	}{mac, up, wsec}
	value, err := json.Marshal(payload)
	if err != nil {
		return
	}
	n.bus.Send(context.Background(), broker.Envelope{
		MinionID:    n.nodeID,
		ReceiverApp: "tg-controller",
		SenderApp:   "tg-minion",
		Type:        broker.MsgLinkStatus,
		Value:       value,
	})
}

// ignitionAttemptor adapts the ignition engine's SetLinkUp call to the
// distributed-ignition Attemptor capability.
type ignitionAttemptor struct {
	engine      *ignition.Engine
	selfMac     radio.Mac
	maintenance *maintenance.State
}

func (a *ignitionAttemptor) Attempt(ctx context.Context, responder radio.Mac) error {
	if a.maintenance != nil && a.maintenance.IsEnabled() {
		return fmt.Errorf("node is in maintenance mode")
	}
	a.engine.SetLinkUp(ctx, a.selfMac, responder, responder.String(), false)
	return nil
}

func main() {
	configFile := flag.String("c", "config.json", "Path to configuration file")
	showVersion := flag.Bool("v", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tg-minion %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
		os.Exit(0)
	}

	log := slog.Default()

	cfg, err := config.LoadWithBootstrap(*configFile)
	if err != nil {
		log.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("tg-minion starting",
		slog.String("version", Version),
		slog.String("node", cfg.Node.Name),
		slog.String("controller", cfg.Controller.URL))

	selfMac := radio.Mac{}
	if len(cfg.Radio.Macs) > 0 {
		if mac, err := radio.ParseMac(cfg.Radio.Macs[0]); err == nil {
			selfMac = mac
		} else {
			log.Warn("invalid radio mac in config", slog.String("mac", cfg.Radio.Macs[0]), slog.Any("error", err))
		}
	}

	mem := broker.NewMemory()
	notifier := &busNotifier{bus: mem, nodeID: cfg.Node.Name}
	driver := &noopDriver{log: log}
	engine := ignition.New(log, driver, notifier, ignition.Config{IsCN: cfg.Node.IsCn})
	go engine.Run(ctx)

	clock := gpsclock.New()
	gpsFeed := gpsd.New(log, clock)
	// No firmware IPC is wired in this module (spec.md §1); seed the clock
	// once from wall time so downstream BWGD math has a usable epoch until
	// a real driver starts calling gpsFeed.Ingest per health report.
	gpsFeed.Ingest(gpsd.HealthReport{TsfUs: uint64(gpsclock.FromUnixSeconds(time.Now().Unix())) / 1000})

	var candidates []radio.Mac
	for _, m := range cfg.Radio.Macs[min(1, len(cfg.Radio.Macs)):] {
		if mac, err := radio.ParseMac(m); err == nil {
			candidates = append(candidates, mac)
		}
	}
	maintenanceState := maintenance.NewState(log)
	distDriver := distignition.New(clock, cfg.Node.ID%4, distignition.Config{}, &ignitionAttemptor{engine: engine, selfMac: selfMac, maintenance: maintenanceState}, candidates)
	go runDistIgnition(ctx, log, distDriver)

	m := metrics.New()
	reporter := statusreport.New(log, cfg, mem, m, Version, nil)
	go reporter.Run(ctx)

	rf := rfstate.New()
	apiHandler := api.NewHandler(Version, maintenanceState, m)
	apiHandler.RF = rf
	apiHandler.Ignition = engine
	restartHandler := api.NewRestartHandler(log, engine, selfMac, maintenanceState)
	toolsHandler := api.NewToolsHandler(rf, selfMac, cfg.Controller.Token)

	mux := http.NewServeMux()
	mux.HandleFunc("/status", apiHandler.HandleStatus)
	mux.HandleFunc("/metrics", apiHandler.HandleMetrics)
	mux.HandleFunc("/maintenance", apiHandler.HandleMaintenance)
	mux.HandleFunc("/maintenance/start", apiHandler.HandleMaintenanceStart)
	mux.HandleFunc("/maintenance/stop", apiHandler.HandleMaintenanceStop)
	mux.HandleFunc("/restart", restartHandler.HandleRestart)
	mux.HandleFunc("/ping", toolsHandler.HandlePing)
	mux.HandleFunc("/tcping", toolsHandler.HandleTcping)
	mux.HandleFunc("/trace", toolsHandler.HandleTrace)
	mux.HandleFunc("/linkstate", toolsHandler.HandleLinkState)

	server := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	if cfg.AutoUpdate.Enabled {
		up := updater.New(log, Version, os.Args[0], updater.Config{
			Enabled:       cfg.AutoUpdate.Enabled,
			CheckInterval: cfg.AutoUpdate.CheckInterval,
			Channel:       cfg.AutoUpdate.Channel,
		}, cfg.AutoUpdate.GitHubRepo)
		var updaterWg sync.WaitGroup
		updaterWg.Add(1)
		go up.Run(ctx, &updaterWg)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("tg-minion HTTP server starting", slog.String("addr", cfg.Server.Listen))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("HTTP server error", slog.Any("error", err))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", slog.Any("error", err))
	}

	log.Info("tg-minion stopped")
}

// runDistIgnition ticks the distributed-ignition driver once a second,
// matching its color-slotted per-BWGD-period attempt window.
func runDistIgnition(ctx context.Context, log *slog.Logger, d *distignition.Driver) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if attempted, responder, err := d.Tick(ctx); attempted {
				if err != nil {
					log.Warn("self-ignition attempt failed", slog.String("responder", responder.String()), slog.Any("error", err))
				} else {
					log.Info("self-ignition attempted", slog.String("responder", responder.String()))
				}
			}
		}
	}
}
