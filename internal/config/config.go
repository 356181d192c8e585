package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/platformbridge/internal/metrics"
	"github.com/agentworkforce/platformbridge/internal/platform"
)

// PathEnv names the variable holding the optional YAML config file.
const PathEnv = "PLATFORMBRIDGE_CONFIG"

type Config struct {
	ListenAddr   string          `yaml:"listen_addr"`
	LogLevel     string          `yaml:"log_level"`
	JWTSecret    string          `yaml:"jwt_secret"`
	TaskStoreDSN string          `yaml:"task_store_dsn"`
	CursorFile   string          `yaml:"cursor_file"`
	// CatalogFile keeps the in-process catalog on disk when set.
	CatalogFile  string          `yaml:"catalog_file"`
	Platform     PlatformConfig  `yaml:"platform"`
	Reconcile    ReconcileConfig `yaml:"reconcile"`
	Changelog    ChangelogConfig `yaml:"changelog"`
	Harvest      HarvestConfig   `yaml:"harvest"`
}

type PlatformConfig struct {
	ReadURL     string        `yaml:"read_url"`
	WriteURL    string        `yaml:"write_url"`
	IdentityURL string        `yaml:"identity_url"`
	Timeout     time.Duration `yaml:"timeout"`
	VerifyTLS   bool          `yaml:"verify_tls"`
	MaxRetries  int           `yaml:"max_retries"`
	// Token is used for any audience without its own entry in Tokens.
	Token  string            `yaml:"token"`
	Tokens map[string]string `yaml:"tokens"`
}

type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type ChangelogConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Top        int           `yaml:"top"`
	ObjectType string        `yaml:"object_type"`
}

type HarvestConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Jitter    float64       `yaml:"jitter"`
	Timeout   time.Duration `yaml:"timeout"`
	StateFile string        `yaml:"state_file"`
}

func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		LogLevel:     "info",
		TaskStoreDSN: "memory://",
		Platform: PlatformConfig{
			Timeout:   platform.DefaultTimeout,
			VerifyTLS: true,
		},
		Reconcile: ReconcileConfig{Interval: 30 * time.Second},
		Changelog: ChangelogConfig{Interval: time.Minute, Top: 100},
		Harvest: HarvestConfig{
			Interval: 24 * time.Hour,
			Jitter:   0.1,
			Timeout:  2 * time.Hour,
		},
	}
}

// Load reads the YAML file at path over the defaults, when path is set, and
// then applies environment overrides.
func Load(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(&cfg, logger)
	return cfg, nil
}

func applyEnv(cfg *Config, logger *slog.Logger) {
	cfg.ListenAddr = stringEnv("PLATFORMBRIDGE_ADDR", cfg.ListenAddr)
	cfg.LogLevel = stringEnv("PLATFORMBRIDGE_LOG_LEVEL", cfg.LogLevel)
	cfg.JWTSecret = stringEnv("PLATFORMBRIDGE_JWT_SECRET", cfg.JWTSecret)
	cfg.TaskStoreDSN = stringEnv("PLATFORMBRIDGE_TASK_STORE_DSN", cfg.TaskStoreDSN)
	cfg.CursorFile = stringEnv("PLATFORMBRIDGE_CURSOR_FILE", cfg.CursorFile)
	cfg.CatalogFile = stringEnv("PLATFORMBRIDGE_CATALOG_FILE", cfg.CatalogFile)

	p := &cfg.Platform
	p.ReadURL = stringEnv("PLATFORMBRIDGE_READ_URL", p.ReadURL)
	p.WriteURL = stringEnv("PLATFORMBRIDGE_WRITE_URL", p.WriteURL)
	p.IdentityURL = stringEnv("PLATFORMBRIDGE_IDENTITY_URL", p.IdentityURL)
	p.Timeout = durationEnv(logger, "PLATFORMBRIDGE_PLATFORM_TIMEOUT", p.Timeout)
	p.VerifyTLS = boolEnv(logger, "PLATFORMBRIDGE_VERIFY_TLS", p.VerifyTLS)
	p.MaxRetries = intEnv(logger, "PLATFORMBRIDGE_PLATFORM_MAX_RETRIES", p.MaxRetries)
	p.Token = stringEnv("PLATFORMBRIDGE_PLATFORM_TOKEN", p.Token)
	for _, audience := range []platform.Audience{platform.AudienceMetadata, platform.AudienceIdentity, platform.AudienceDataCollection} {
		name := "PLATFORMBRIDGE_TOKEN_" + strings.ToUpper(string(audience))
		if token := stringEnv(name, ""); token != "" {
			if p.Tokens == nil {
				p.Tokens = map[string]string{}
			}
			p.Tokens[string(audience)] = token
		}
	}

	cfg.Reconcile.Interval = durationEnv(logger, "PLATFORMBRIDGE_RECONCILE_INTERVAL", cfg.Reconcile.Interval)
	cfg.Changelog.Interval = durationEnv(logger, "PLATFORMBRIDGE_CHANGELOG_INTERVAL", cfg.Changelog.Interval)
	cfg.Changelog.Top = intEnv(logger, "PLATFORMBRIDGE_CHANGELOG_TOP", cfg.Changelog.Top)
	cfg.Changelog.ObjectType = stringEnv("PLATFORMBRIDGE_CHANGELOG_OBJECT_TYPE", cfg.Changelog.ObjectType)
	cfg.Harvest.Interval = durationEnv(logger, "PLATFORMBRIDGE_HARVEST_INTERVAL", cfg.Harvest.Interval)
	cfg.Harvest.Jitter = floatEnv(logger, "PLATFORMBRIDGE_HARVEST_JITTER", cfg.Harvest.Jitter)
	cfg.Harvest.Timeout = durationEnv(logger, "PLATFORMBRIDGE_HARVEST_TIMEOUT", cfg.Harvest.Timeout)
	cfg.Harvest.StateFile = stringEnv("PLATFORMBRIDGE_HARVEST_STATE_FILE", cfg.Harvest.StateFile)
}

// Validate reports settings the binaries cannot start without.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Platform.ReadURL) == "" {
		missing = append(missing, "platform.read_url")
	}
	if strings.TrimSpace(c.Platform.WriteURL) == "" {
		missing = append(missing, "platform.write_url")
	}
	if strings.TrimSpace(c.Platform.IdentityURL) == "" {
		missing = append(missing, "platform.identity_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// SlogLevel maps LogLevel onto slog, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Credentials returns the fallback token and the per-audience tokens.
func (c Config) Credentials() (string, map[platform.Audience]string) {
	tokens := make(map[platform.Audience]string, len(c.Platform.Tokens))
	for audience, token := range c.Platform.Tokens {
		tokens[platform.Audience(strings.ToLower(strings.TrimSpace(audience)))] = token
	}
	return c.Platform.Token, tokens
}

func (c Config) ClientOptions(credentials platform.CredentialProvider, logger *slog.Logger, m *metrics.Metrics) platform.ClientOptions {
	return platform.ClientOptions{
		ReadBaseURL:     c.Platform.ReadURL,
		WriteBaseURL:    c.Platform.WriteURL,
		IdentityBaseURL: c.Platform.IdentityURL,
		Credentials:     credentials,
		Timeout:         c.Platform.Timeout,
		SkipTLSVerify:   !c.Platform.VerifyTLS,
		MaxRetries:      c.Platform.MaxRetries,
		Logger:          logger,
		Metrics:         m,
	}
}

func stringEnv(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(logger *slog.Logger, name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(logger *slog.Logger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn("invalid float setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(logger *slog.Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid duration setting, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func boolEnv(logger *slog.Logger, name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn("invalid boolean setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
