// Command meshbridge is the CLI entrypoint: it wires config, radio,
// transport, and either a gateway or client driver per --mode. Mirrors
// atlas_meshtastic_bridge/cli.py.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/atlas-mesh/meshbridge/internal/apiclient"
	"github.com/atlas-mesh/meshbridge/internal/client"
	"github.com/atlas-mesh/meshbridge/internal/config"
	"github.com/atlas-mesh/meshbridge/internal/dedupe"
	"github.com/atlas-mesh/meshbridge/internal/gateway"
	"github.com/atlas-mesh/meshbridge/internal/metrics"
	"github.com/atlas-mesh/meshbridge/internal/radio"
	"github.com/atlas-mesh/meshbridge/internal/reassembly"
	"github.com/atlas-mesh/meshbridge/internal/reliability"
	"github.com/atlas-mesh/meshbridge/internal/spool"
	"github.com/atlas-mesh/meshbridge/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	configureLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spoolPath := expandHome(cfg.SpoolPath)
	if err := os.MkdirAll(filepath.Dir(spoolPath), 0o755); err != nil {
		log.Error("meshbridge: could not prepare spool directory", "err", err)
		return 1
	}

	r, err := buildRadio(cfg)
	if err != nil {
		log.Error("meshbridge: failed to initialize radio", "err", err)
		return 1
	}
	defer r.Close()

	metricsRegistry := metrics.NewRegistry()
	var metricsSrv *metrics.Server
	if !cfg.DisableMetrics {
		addr := fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort)
		metricsSrv = metrics.NewServer(addr, metricsRegistry, nil, func() bool { return true })
		go func() {
			if err := metricsSrv.ListenAndServe(ctx); err != nil {
				log.Warn("meshbridge: metrics server stopped", "err", err)
			}
		}()
	}

	deduper := dedupe.New(dedupe.DefaultConfig())
	reassembler := reassembly.New(reassembly.DefaultConfig())
	sp := spool.Open(spool.DefaultConfig(spoolPath))
	strategy := reliability.StrategyFromName(cfg.ReliabilityMethod, 5)

	tcfg := transport.Config{EnableSpool: cfg.Mode == config.ModeGateway}
	t := transport.New(r, deduper, reassembler, sp, strategy, metricsRegistry, tcfg)

	switch cfg.Mode {
	case config.ModeGateway:
		return runGateway(ctx, cfg, t, metricsRegistry)
	case config.ModeClient:
		return runClient(ctx, cfg, t, metricsRegistry)
	default:
		fmt.Fprintf(os.Stderr, "meshbridge: unknown mode %q\n", cfg.Mode)
		return 1
	}
}

func configureLogging(level string) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		log.SetLevel(log.DebugLevel)
	case "WARN", "WARNING":
		log.SetLevel(log.WarnLevel)
	case "ERROR":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func buildRadio(cfg config.BridgeConfig) (radio.Interface, error) {
	if cfg.SimulateRadio {
		return radio.NewInMemory(cfg.NodeID, radio.NewBus()), nil
	}
	return nil, fmt.Errorf("meshbridge: hardware radio selection (--radio-port %s) is not implemented; pass --simulate-radio", cfg.RadioPort)
}

func runGateway(ctx context.Context, cfg config.BridgeConfig, t *transport.Transport, m *metrics.Registry) int {
	registry := gateway.NewRegistry()
	apiClient := apiclient.New(cfg.APIBaseURL, cfg.APIToken)
	gateway.RegisterDefaultCommands(registry, apiClient)

	gw := gateway.New(t, registry, m)
	gw.RunForever(ctx, 1*time.Second)

	<-ctx.Done()
	gw.Stop()
	log.Info("meshbridge: gateway shut down")
	return 0
}

func runClient(_ context.Context, cfg config.BridgeConfig, t *transport.Transport, m *metrics.Registry) int {
	c := client.New(t, cfg.GatewayNodeID, m)

	if cfg.Command == "" {
		fmt.Fprintln(os.Stderr, "meshbridge: --command is required in client mode")
		return 1
	}

	var data map[string]any
	if cfg.Data != "" {
		if err := json.Unmarshal([]byte(cfg.Data), &data); err != nil {
			fmt.Fprintf(os.Stderr, "meshbridge: invalid --data JSON: %v\n", err)
			return 1
		}
	} else {
		data = map[string]any{}
	}

	resp, err := c.SendRequest(cfg.Command, data, cfg.Timeout, client.DefaultMaxRetries)
	if err != nil {
		log.Error("meshbridge: request failed", "command", cfg.Command, "err", err)
		return 1
	}

	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
	return 0
}
