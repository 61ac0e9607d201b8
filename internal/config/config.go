// Package config parses the bridge's CLI surface into a BridgeConfig: flag
// defaults, an optional --config TOML file, and a final pass of
// environment variable overrides — matching atlas_meshtastic_bridge's
// config.py/cli.py precedence (file seeds defaults, flags win, select
// environment variables override everything).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Mode names accepted by --mode.
const (
	ModeGateway = "gateway"
	ModeClient  = "client"
)

// DefaultSpoolPath is used when --spool-path is not given.
const DefaultSpoolPath = "~/.atlas_meshtastic_spool.json"

// BridgeConfig holds every CLI-surfaced setting for either bridge role.
type BridgeConfig struct {
	Mode           string
	GatewayNodeID  string
	APIBaseURL     string
	APIToken       string
	SimulateRadio  bool
	Timeout        time.Duration
	Command        string
	Data           string
	SpoolPath      string
	RadioPort      string
	NodeID         string
	MetricsHost    string
	MetricsPort    int
	DisableMetrics bool
	LogLevel       string
	ReliabilityMethod string
}

func defaults() BridgeConfig {
	return BridgeConfig{
		SimulateRadio: false,
		Timeout:       5 * time.Second,
		SpoolPath:     DefaultSpoolPath,
		RadioPort:     "auto",
		NodeID:        "auto",
		MetricsHost:   "0.0.0.0",
		MetricsPort:   9700,
		LogLevel:      "INFO",
		ReliabilityMethod: "window",
	}
}

// fileOverlay is the shape of an optional --config TOML file; every field
// is optional and only overwrites a default, never a later flag.
type fileOverlay struct {
	Mode              string `toml:"mode"`
	GatewayNodeID     string `toml:"gateway_node_id"`
	APIBaseURL        string `toml:"api_base_url"`
	APIToken          string `toml:"api_token"`
	SimulateRadio     *bool  `toml:"simulate_radio"`
	TimeoutSeconds    *float64 `toml:"timeout"`
	SpoolPath         string `toml:"spool_path"`
	RadioPort         string `toml:"radio_port"`
	NodeID            string `toml:"node_id"`
	MetricsHost       string `toml:"metrics_host"`
	MetricsPort       int    `toml:"metrics_port"`
	DisableMetrics    *bool  `toml:"disable_metrics"`
	LogLevel          string `toml:"log_level"`
	ReliabilityMethod string `toml:"reliability_method"`
}

func applyFileOverlay(cfg *BridgeConfig, path string) error {
	var overlay fileOverlay
	if _, err := toml.DecodeFile(path, &overlay); err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if overlay.Mode != "" {
		cfg.Mode = overlay.Mode
	}
	if overlay.GatewayNodeID != "" {
		cfg.GatewayNodeID = overlay.GatewayNodeID
	}
	if overlay.APIBaseURL != "" {
		cfg.APIBaseURL = overlay.APIBaseURL
	}
	if overlay.APIToken != "" {
		cfg.APIToken = overlay.APIToken
	}
	if overlay.SimulateRadio != nil {
		cfg.SimulateRadio = *overlay.SimulateRadio
	}
	if overlay.TimeoutSeconds != nil {
		cfg.Timeout = time.Duration(*overlay.TimeoutSeconds * float64(time.Second))
	}
	if overlay.SpoolPath != "" {
		cfg.SpoolPath = overlay.SpoolPath
	}
	if overlay.RadioPort != "" {
		cfg.RadioPort = overlay.RadioPort
	}
	if overlay.NodeID != "" {
		cfg.NodeID = overlay.NodeID
	}
	if overlay.MetricsHost != "" {
		cfg.MetricsHost = overlay.MetricsHost
	}
	if overlay.MetricsPort != 0 {
		cfg.MetricsPort = overlay.MetricsPort
	}
	if overlay.DisableMetrics != nil {
		cfg.DisableMetrics = *overlay.DisableMetrics
	}
	if overlay.LogLevel != "" {
		cfg.LogLevel = overlay.LogLevel
	}
	if overlay.ReliabilityMethod != "" {
		cfg.ReliabilityMethod = overlay.ReliabilityMethod
	}
	return nil
}

// applyEnvOverrides applies the small set of environment variables that
// override everything else, matching cli.py's precedence.
func applyEnvOverrides(cfg *BridgeConfig) {
	if v := os.Getenv("ATLAS_RELIABILITY_METHOD"); v != "" {
		cfg.ReliabilityMethod = v
	}
	if v := os.Getenv("MESHTASTIC_METRICS_HOST"); v != "" {
		cfg.MetricsHost = v
	}
	if v := os.Getenv("MESHTASTIC_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MetricsPort = port
		}
	}
	if v := os.Getenv("MESHTASTIC_METRICS_ENABLED"); v != "" {
		cfg.DisableMetrics = !parseBoolLoose(v)
	}
}

func parseBoolLoose(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "enabled":
		return true
	}
	return false
}

// Parse builds a BridgeConfig from args (typically os.Args[1:]): seed
// defaults, overlay an optional --config TOML file, apply the flag set
// (whose defaults are the post-overlay config so an unset flag doesn't
// clobber a value the file supplied), then apply environment overrides
// last.
func Parse(args []string) (BridgeConfig, error) {
	cfg := defaults()

	// A first, lenient pass purely to discover --config before the real
	// flag set is constructed with overlay-aware defaults.
	peek := flag.NewFlagSet("meshbridge-config-peek", flag.ContinueOnError)
	peek.SetOutput(discardWriter{})
	var configPath string
	peek.StringVar(&configPath, "config", "", "")
	_ = peek.Parse(args)
	if configPath != "" {
		if err := applyFileOverlay(&cfg, configPath); err != nil {
			return cfg, err
		}
	}

	fs := flag.NewFlagSet("meshbridge", flag.ContinueOnError)
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "role: gateway or client")
	fs.StringVar(&cfg.GatewayNodeID, "gateway-node-id", cfg.GatewayNodeID, "destination/self mesh node id")
	fs.StringVar(&cfg.APIBaseURL, "api-base-url", cfg.APIBaseURL, "handler collaborator endpoint")
	fs.StringVar(&cfg.APIToken, "api-token", cfg.APIToken, "bearer credential")
	fs.BoolVar(&cfg.SimulateRadio, "simulate-radio", cfg.SimulateRadio, "use in-memory radio instead of hardware")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "client inactivity timeout")
	fs.StringVar(&cfg.Command, "command", cfg.Command, "client-only request command")
	fs.StringVar(&cfg.Data, "data", cfg.Data, "client-only request data, as JSON")
	fs.StringVar(&cfg.SpoolPath, "spool-path", cfg.SpoolPath, "durable spool location")
	fs.StringVar(&cfg.RadioPort, "radio-port", cfg.RadioPort, "hardware radio port")
	fs.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "hardware node id")
	fs.StringVar(&cfg.MetricsHost, "metrics-host", cfg.MetricsHost, "metrics HTTP bind host")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "metrics HTTP bind port")
	fs.BoolVar(&cfg.DisableMetrics, "disable-metrics", cfg.DisableMetrics, "disable the metrics HTTP surface")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log verbosity")
	fs.StringVar(&cfg.ReliabilityMethod, "reliability-method", cfg.ReliabilityMethod, "reliability strategy name")
	fs.String("config", configPath, "optional TOML config file seeding defaults")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validate(cfg BridgeConfig) error {
	if cfg.Mode != ModeGateway && cfg.Mode != ModeClient {
		return fmt.Errorf("config: --mode must be %q or %q", ModeGateway, ModeClient)
	}
	if cfg.GatewayNodeID == "" {
		return fmt.Errorf("config: --gateway-node-id is required")
	}
	if cfg.APIBaseURL == "" {
		return fmt.Errorf("config: --api-base-url is required")
	}
	return nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
