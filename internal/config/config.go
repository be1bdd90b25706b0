// Package config parses relay, agent and client settings from flags with
// TETHER_* environment defaults.
package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	ilog "github.com/tetherdev/tether/internal/log"
	"github.com/tetherdev/tether/internal/netutil"
)

// EnvPrefix marks the environment variables tether reads.
const EnvPrefix = "TETHER_"

type ServerConfig struct {
	Listen               string
	ListenHTTP           string
	ListenQUIC           string
	ListenDebug          string
	DBPath               string
	Domain               string
	APIKeyPepper         string
	TLSMode              string
	CertCacheDir         string
	TLSCertFile          string
	TLSKeyFile           string
	LogLevel             string
	AutoApprove          bool
	OpenRate             float64
	OpenBurst            int
	ApprovalPollInterval time.Duration
	CleanupInterval      time.Duration
	SessionRetention     time.Duration
}

type AgentConfig struct {
	RelayURL       string
	Transport      string
	QUICAddr       string
	IdentityPath   string
	DeviceID       string
	LogLevel       string
	InsecureTLS    bool
	SyncRoot       string
	Shell          string
	DisableExec    bool
	DisableForward bool
	DisableSync    bool
	ListenDebug    string
}

type ClientConfig struct {
	ServerURL   string
	APIKey      string
	InsecureTLS bool
	Timeout     time.Duration
}

// TLS modes for the relay.
const (
	TLSModeOff    = "off"
	TLSModeStatic = "static"
	TLSModeAuto   = "auto"
)

const (
	defaultServerListen          = ":8443"
	defaultServerHTTPListen      = ":8080"
	defaultServerDBPath          = "./tether.db"
	defaultServerCertCacheDir    = "./cert"
	defaultApprovalPollInterval  = 5 * time.Second
	defaultServerCleanupInterval = 10 * time.Minute
	defaultSessionRetention      = 30 * 24 * time.Hour
	defaultOpenRate              = 5
	defaultOpenBurst             = 20
	defaultClientTimeout         = 15 * time.Second
)

// LoadDotEnv copies TETHER_* keys from the .env file at path into the
// process environment. Variables that are already set win. A missing file
// is not an error.
func LoadDotEnv(path string) error {
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for key, value := range values {
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		if existing := strings.TrimSpace(os.Getenv(key)); existing != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
	return nil
}

func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:               envOrDefault("TETHER_LISTEN", defaultServerListen),
		ListenHTTP:           envOrDefault("TETHER_LISTEN_HTTP", defaultServerHTTPListen),
		ListenQUIC:           envOrDefault("TETHER_LISTEN_QUIC", ""),
		ListenDebug:          envOrDefault("TETHER_LISTEN_DEBUG", ""),
		DBPath:               envOrDefault("TETHER_DB_PATH", defaultServerDBPath),
		Domain:               envOrDefault("TETHER_DOMAIN", ""),
		APIKeyPepper:         envOrDefault("TETHER_API_KEY_PEPPER", ""),
		TLSMode:              envOrDefault("TETHER_TLS_MODE", ""),
		CertCacheDir:         envOrDefault("TETHER_CERT_CACHE_DIR", defaultServerCertCacheDir),
		TLSCertFile:          envOrDefault("TETHER_TLS_CERT_FILE", ""),
		TLSKeyFile:           envOrDefault("TETHER_TLS_KEY_FILE", ""),
		LogLevel:             envOrDefault("TETHER_LOG_LEVEL", "info"),
		AutoApprove:          envBoolOrDefault("TETHER_AUTO_APPROVE", false),
		OpenRate:             envFloatOrDefault("TETHER_OPEN_RATE", defaultOpenRate),
		OpenBurst:            envIntOrDefault("TETHER_OPEN_BURST", defaultOpenBurst),
		ApprovalPollInterval: envDurationOrDefault("TETHER_APPROVAL_POLL", defaultApprovalPollInterval),
		CleanupInterval:      defaultServerCleanupInterval,
		SessionRetention:     envDurationOrDefault("TETHER_SESSION_RETENTION", defaultSessionRetention),
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP(S) listen address for agents, clients and the REST API")
	fs.StringVar(&cfg.ListenHTTP, "http-challenge-listen", cfg.ListenHTTP, "HTTP-01 challenge listen address (tls-mode auto)")
	fs.StringVar(&cfg.ListenQUIC, "quic-listen", cfg.ListenQUIC, "UDP address for QUIC agent links (requires TLS)")
	fs.StringVar(&cfg.ListenDebug, "debug-listen", cfg.ListenDebug, "Loopback address for pprof (empty disables)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "Public relay host name, e.g. relay.example.com")
	fs.StringVar(&cfg.APIKeyPepper, "api-key-pepper", cfg.APIKeyPepper, "API key hash pepper override")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|static|auto (default auto with --domain, off without)")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "ACME certificate cache dir")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.AutoApprove, "auto-approve", cfg.AutoApprove, "Approve new devices on first contact")
	fs.Float64Var(&cfg.OpenRate, "open-rate", cfg.OpenRate, "Session opens per second allowed per API key (0 disables)")
	fs.IntVar(&cfg.OpenBurst, "open-burst", cfg.OpenBurst, "Burst of session opens allowed per API key")
	fs.DurationVar(&cfg.ApprovalPollInterval, "approval-poll", cfg.ApprovalPollInterval, "How often pending devices are re-checked")
	fs.DurationVar(&cfg.SessionRetention, "session-retention", cfg.SessionRetention, "How long session audit records are kept")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Domain = normalizeDomainHost(cfg.Domain)
	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeOff
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			cfg.TLSMode = TLSModeStatic
		} else if cfg.Domain != "" {
			cfg.TLSMode = TLSModeAuto
		}
	}
	switch cfg.TLSMode {
	case TLSModeOff:
	case TLSModeStatic:
		if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
			return cfg, errors.New("tls mode static requires --tls-cert-file and --tls-key-file")
		}
	case TLSModeAuto:
		if cfg.Domain == "" {
			return cfg, errors.New("tls mode auto requires --domain or TETHER_DOMAIN")
		}
	default:
		return cfg, errors.New("tls mode must be one of: off, static, auto")
	}
	if cfg.ListenQUIC != "" && cfg.TLSMode == TLSModeOff {
		return cfg, errors.New("quic listener requires TLS")
	}
	if cfg.OpenRate < 0 || cfg.OpenBurst < 0 {
		return cfg, errors.New("open rate and burst must be >= 0")
	}
	if cfg.ApprovalPollInterval <= 0 {
		return cfg, errors.New("approval poll interval must be > 0")
	}
	if cfg.SessionRetention <= 0 {
		return cfg, errors.New("session retention must be > 0")
	}
	if _, err := ilog.ParseLevel(cfg.LogLevel); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func ParseAgentFlags(args []string) (AgentConfig, error) {
	cfg := AgentConfig{
		RelayURL:       envOrDefault("TETHER_RELAY", ""),
		Transport:      envOrDefault("TETHER_TRANSPORT", "websocket"),
		QUICAddr:       envOrDefault("TETHER_QUIC_ADDR", ""),
		IdentityPath:   envOrDefault("TETHER_IDENTITY", ""),
		DeviceID:       envOrDefault("TETHER_DEVICE_ID", ""),
		LogLevel:       envOrDefault("TETHER_LOG_LEVEL", "info"),
		InsecureTLS:    envBoolOrDefault("TETHER_INSECURE_TLS", false),
		SyncRoot:       envOrDefault("TETHER_SYNC_ROOT", ""),
		Shell:          envOrDefault("TETHER_SHELL", ""),
		DisableExec:    envBoolOrDefault("TETHER_DISABLE_EXEC", false),
		DisableForward: envBoolOrDefault("TETHER_DISABLE_FORWARD", false),
		DisableSync:    envBoolOrDefault("TETHER_DISABLE_SYNC", false),
		ListenDebug:    envOrDefault("TETHER_LISTEN_DEBUG", ""),
	}

	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "Relay URL (e.g. https://relay.example.com)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Relay transport: websocket|quic")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "Relay QUIC address host:port (transport quic)")
	fs.StringVar(&cfg.IdentityPath, "identity", cfg.IdentityPath, "Device identity file (default in the user config dir)")
	fs.StringVar(&cfg.DeviceID, "device-id", cfg.DeviceID, "Device id to register (first run only)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.InsecureTLS, "insecure", cfg.InsecureTLS, "Skip relay certificate verification (testing only)")
	fs.StringVar(&cfg.SyncRoot, "sync-root", cfg.SyncRoot, "Confine sync sessions to this directory")
	fs.StringVar(&cfg.Shell, "shell", cfg.Shell, "Shell for exec and pty sessions (default: detected)")
	fs.BoolVar(&cfg.DisableExec, "no-exec", cfg.DisableExec, "Refuse exec and pty sessions")
	fs.BoolVar(&cfg.DisableForward, "no-forward", cfg.DisableForward, "Refuse port-forward sessions")
	fs.BoolVar(&cfg.DisableSync, "no-sync", cfg.DisableSync, "Refuse sync sessions")
	fs.StringVar(&cfg.ListenDebug, "debug-listen", cfg.ListenDebug, "Loopback address for pprof (empty disables)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.RelayURL = strings.TrimSpace(cfg.RelayURL)
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	switch cfg.Transport {
	case "websocket":
		if cfg.RelayURL == "" {
			return cfg, errors.New("missing --relay or TETHER_RELAY")
		}
	case "quic":
		if cfg.QUICAddr == "" {
			return cfg, errors.New("transport quic requires --quic-addr or TETHER_QUIC_ADDR")
		}
	default:
		return cfg, errors.New("transport must be websocket or quic")
	}
	if _, err := ilog.ParseLevel(cfg.LogLevel); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ClientFlags registers the shared client flags on fs and returns the
// config they fill. Callers parse fs themselves and then call Validate.
func ClientFlags(fs *flag.FlagSet) *ClientConfig {
	cfg := &ClientConfig{
		ServerURL:   envOrDefault("TETHER_SERVER", ""),
		APIKey:      envOrDefault("TETHER_API_KEY", ""),
		InsecureTLS: envBoolOrDefault("TETHER_INSECURE_TLS", false),
		Timeout:     envDurationOrDefault("TETHER_TIMEOUT", defaultClientTimeout),
	}
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Relay URL (e.g. https://relay.example.com)")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key")
	fs.BoolVar(&cfg.InsecureTLS, "insecure", cfg.InsecureTLS, "Skip relay certificate verification (testing only)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Connect and session open timeout")
	return cfg
}

// Validate checks a parsed ClientConfig.
func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return errors.New("missing --server or TETHER_SERVER")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("missing --api-key or TETHER_API_KEY")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloatOrDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	return netutil.HostFromURL(v)
}
