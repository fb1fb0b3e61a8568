// Package config handles the parsing and validation of application
// configuration from command-line arguments and environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/skaldin/vigil/internal/logger"
	"github.com/skaldin/vigil/internal/vars"
)

// Config represents the complete application flags configuration.
type Config struct {
	// betteralign:ignore

	Server    Server        `group:"Server Options" env-namespace:"VIGIL"`
	Storage   Storage       `group:"Storage Options" namespace:"db" env-namespace:"VIGIL_DB"`
	Fleet     Fleet         `group:"Fleet Options" namespace:"fleet" env-namespace:"VIGIL_FLEET"`
	SSH       SSH           `group:"SSH Options" namespace:"ssh" env-namespace:"VIGIL_SSH"`
	Poll      Poll          `group:"Polling Options" namespace:"poll" env-namespace:"VIGIL_POLL"`
	GeoIP     GeoIP         `group:"GeoIP Options" namespace:"geoip" env-namespace:"VIGIL_GEOIP"`
	RateLimit RateLimit     `group:"Rate Limit Options" namespace:"rate-limit" env-namespace:"VIGIL_RATE_LIMIT"`
	Logger    logger.Config `group:"Logger Options" namespace:"log" env-namespace:"VIGIL_LOG"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`
}

// Server holds web server configuration.
type Server struct {
	// betteralign:ignore

	Address     string   `short:"l" long:"address" env:"LISTEN_ADDRESS" description:"Server listen address" default:":8080"`
	AuthToken   string   `short:"t" long:"auth-token" env:"AUTH_TOKEN" description:"Admin authentication token"`
	Operators   []string `short:"o" long:"operator" env:"OPERATORS" description:"Operator names allowed to issue kicks" env-delim:","`
	MaxBodySize int64    `long:"max-body-size" env:"MAX_BODY_SIZE" description:"Max body size for incoming requests" default:"4096"`
	TrustProxy  bool     `long:"trust-proxy" env:"TRUST_PROXY" description:"Trust X-Forwarded-For headers"`
}

// Storage holds database and maintenance configuration.
type Storage struct {
	// betteralign:ignore

	Path       string `short:"d" long:"path" env:"PATH" description:"Path to SQLite database" default:"vigil.db"`
	PruneAudit uint   `long:"prune-audit" description:"Delete kick audit entries older than N days and exit" optional:"true" optional-value:"90"`
	CheckAll   bool   `long:"check-all" description:"Probe every inventory node once, record status, and exit"`
}

// Fleet holds node inventory configuration.
type Fleet struct {
	// betteralign:ignore

	Inventory string `short:"i" long:"inventory" env:"INVENTORY" description:"Path to YAML node inventory" default:"fleet.yaml"`
}

// SSH holds remote command execution configuration.
type SSH struct {
	// betteralign:ignore

	Timeout time.Duration `long:"timeout" env:"TIMEOUT" description:"Remote command timeout" default:"15s"`
	KeyFile string        `long:"key-file" env:"KEY_FILE" description:"Default private key used when a node sets none"`
}

// Poll holds status polling configuration.
type Poll struct {
	// betteralign:ignore

	Interval  time.Duration `long:"interval" env:"INTERVAL" description:"Node poll interval" default:"1m"`
	CacheTTL  time.Duration `long:"cache-ttl" env:"CACHE_TTL" description:"Snapshot and rate cache TTL" default:"10m"`
	DutyCycle float64       `long:"duty-cycle" env:"DUTY_CYCLE" description:"Assumed client usage hours per day for monthly volume projection" default:"3"`
}

// GeoIP holds MaxMind GeoIP configuration.
type GeoIP struct {
	// betteralign:ignore

	Path     string        `short:"g" long:"path" env:"PATH" description:"Path to MMDB file" default:"vigil.mmdb"`
	URL      string        `long:"url" env:"URL" description:"URL to download MMDB" default:"https://git.io/GeoLite2-Country.mmdb"`
	Interval time.Duration `long:"interval" env:"INTERVAL" description:"Update interval check" default:"24h"`
	Disable  bool          `long:"disable" env:"DISABLE" description:"Disable country tagging entirely"`
}

// RateLimit holds API rate limiting configuration.
type RateLimit struct {
	// betteralign:ignore

	HardLimitCount int           `long:"hard-count" env:"HARD_COUNT" description:"Hard IP limit: requests count" default:"16"`
	HardLimitWin   time.Duration `long:"hard-window" env:"HARD_WINDOW" description:"Hard IP limit: window duration" default:"1m"`
}

// Parse reads the configuration from flags and environment variables.
// It terminates the application if the configuration is invalid or if the
// help flag is invoked.
func Parse() *Config {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print()
		os.Exit(0)
	}

	if cfg.Server.AuthToken == "" {
		fmt.Fprintln(os.Stderr,
			"Required flag `-t, --auth-token' or environment variable `VIGIL_AUTH_TOKEN` was not specified!")
		os.Exit(1)
	}

	return &cfg
}
