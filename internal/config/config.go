// Package config loads server configuration from (in increasing priority)
// built-in defaults, a .env file, environment variables, and CLI flags —
// the precedence order used throughout the example pack's godotenv+cobra
// services.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Config holds everything the acceptor and its collaborators need to start.
type Config struct {
	Host string
	Port int

	// Whitelist is the set of peer IPs allowed to connect, compared as
	// exact strings per spec.
	Whitelist []string

	DataDir       string // directory holding users.json / messages.json / bans.json
	Workers       int    // bounded session worker-pool size
	MetricsAddr   string // address for the /healthz and /metrics sidecar
	AcceptRatePS  float64
	AcceptBurst   int
}

// Defaults mirrors the constants the original settings module hard-coded
// (port 65432, buffer size handled by the codec, etc).
func Defaults() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         65432,
		Whitelist:    nil,
		DataDir:      "./data",
		Workers:      10,
		MetricsAddr:  ":9090",
		AcceptRatePS: 50,
		AcceptBurst:  20,
	}
}

// LoadEnvFile loads a .env file into the process environment if present.
// A missing file is not an error — it mirrors python-dotenv's load_dotenv(),
// which silently no-ops when there's nothing to load.
func LoadEnvFile(path string) {
	_ = godotenv.Load(path)
}

// ApplyEnv overlays environment variables onto cfg, following the same
// names the original's config/settings.py read via os.getenv.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("WHITELIST"); v != "" {
		cfg.Whitelist = splitWhitelist(v)
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	return cfg
}

// BindFlags registers the serve command's flags on fs, using cfg's current
// values (already layered from Defaults/.env/environment) as the flag
// defaults. It returns the whitelist string var; the caller must pass it to
// ResolveFlags after fs.Parse, since pflag has no native comma-list type
// that round-trips cleanly with the WHITELIST env var's format.
func BindFlags(fs *pflag.FlagSet, cfg *Config) (whitelistCSV *string) {
	fs.StringVar(&cfg.Host, "host", cfg.Host, "address to listen on")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "TCP port to listen on")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for users.json, messages.json, bans.json")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "bounded session worker-pool size")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address for the /healthz and /metrics sidecar")

	whitelistCSV = fs.String("whitelist", strings.Join(cfg.Whitelist, ","), "comma-separated list of allowed peer IPs")
	return whitelistCSV
}

// ResolveFlags folds the parsed whitelist flag (from BindFlags) back into
// cfg.Whitelist. Call it after fs.Parse.
func ResolveFlags(cfg *Config, whitelistCSV *string) {
	if whitelistCSV != nil && *whitelistCSV != "" {
		cfg.Whitelist = splitWhitelist(*whitelistCSV)
	}
}

func splitWhitelist(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
