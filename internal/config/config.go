package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/batch-orchestrator/internal/batch"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/entitystore"
)

// Backend modes for provisioning and joining
const (
	ModeSimulated = "simulated"
	ModeHTTP      = "http"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Provisioning  ProvisioningConfig  `toml:"provisioning"`
	Joining       JoiningConfig       `toml:"joining"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Schedules     []batch.Schedule    `toml:"schedule"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DataDir      string `toml:"data_dir"`
	StoreBackend string `toml:"store_backend"`
	// StorePath overrides the backend's default file inside DataDir
	StorePath string `toml:"store_path,omitempty"`
	LogLevel  string `toml:"log_level"`
	LogJSON   bool   `toml:"log_json"`
}

// ProvisioningConfig holds account registration settings
type ProvisioningConfig struct {
	RegisterURL           string  `toml:"register_url"`
	DefaultPassword       string  `toml:"default_password"`
	Count                 int     `toml:"count"`
	Channel               string  `toml:"channel"`
	CountryCode           string  `toml:"country_code"`
	DelaySeconds          int     `toml:"delay_seconds"`
	RetryCount            int     `toml:"retry_count"`
	CaptchaTimeoutSeconds int     `toml:"captcha_timeout_seconds"`
	UserAgent             string  `toml:"user_agent"`
	Mode                  string  `toml:"mode"`
	RateLimit             float64 `toml:"rate_limit"`
	SimulatedFailureRate  float64 `toml:"simulated_failure_rate"`
	// SimulatedLatencyMS is the per-item latency of the simulated backends
	SimulatedLatencyMS int `toml:"simulated_latency_ms"`
}

// JoiningConfig holds group join settings
type JoiningConfig struct {
	Endpoint     string  `toml:"endpoint"`
	DelaySeconds int     `toml:"delay_seconds"`
	Mode         string  `toml:"mode"`
	SuccessRate  float64 `toml:"success_rate"`
	TargetsFile  string  `toml:"targets_file"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds API server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DataDir:      filepath.Join(home, ".batch-orchestrator"),
			StoreBackend: entitystore.BackendFile,
			LogLevel:     "info",
		},
		Provisioning: ProvisioningConfig{
			Count:                 5,
			Channel:               "10minutemail",
			CountryCode:           "+86",
			DelaySeconds:          3,
			RetryCount:            2,
			CaptchaTimeoutSeconds: 60,
			UserAgent:             "random",
			Mode:                  ModeSimulated,
			SimulatedLatencyMS:    1000,
		},
		Joining: JoiningConfig{
			DelaySeconds: 3,
			Mode:         ModeSimulated,
			SuccessRate:  0.8,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.StorePath = ExpandPath(cfg.General.StorePath)
	cfg.Joining.TargetsFile = ExpandPath(cfg.Joining.TargetsFile)
	for i := range cfg.Schedules {
		cfg.Schedules[i].TargetsFile = ExpandPath(cfg.Schedules[i].TargetsFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config atomically, creating parent directories
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create config dir")
	}

	tmp, err := os.CreateTemp(dir, "config.toml.tmp.*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp config")
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Validate checks value ranges and enumerations
func (c *Config) Validate() error {
	switch c.General.StoreBackend {
	case entitystore.BackendFile, entitystore.BackendSQLite, entitystore.BackendMemory:
	default:
		return errors.Newf("general.store_backend must be file, sqlite or memory, got %q", c.General.StoreBackend)
	}

	p := c.Provisioning
	if p.Count < 1 {
		return errors.Newf("provisioning.count must be at least 1, got %d", p.Count)
	}
	if p.DelaySeconds < 0 || c.Joining.DelaySeconds < 0 {
		return errors.New("delay_seconds must not be negative")
	}
	if p.RetryCount < 0 {
		return errors.Newf("provisioning.retry_count must not be negative, got %d", p.RetryCount)
	}
	if p.CaptchaTimeoutSeconds < 0 {
		return errors.New("provisioning.captcha_timeout_seconds must not be negative")
	}
	if p.SimulatedLatencyMS < 0 {
		return errors.New("provisioning.simulated_latency_ms must not be negative")
	}
	if p.RateLimit < 0 {
		return errors.New("provisioning.rate_limit must not be negative")
	}
	if err := checkMode("provisioning.mode", p.Mode); err != nil {
		return err
	}
	if err := checkMode("joining.mode", c.Joining.Mode); err != nil {
		return err
	}
	if err := checkRate("provisioning.simulated_failure_rate", p.SimulatedFailureRate); err != nil {
		return err
	}
	if err := checkRate("joining.success_rate", c.Joining.SuccessRate); err != nil {
		return err
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return errors.Newf("web.port out of range: %d", c.Web.Port)
	}

	seen := make(map[string]bool)
	for i := range c.Schedules {
		if err := c.Schedules[i].Validate(); err != nil {
			return errors.Wrapf(err, "schedule %d", i)
		}
		if seen[c.Schedules[i].Name] {
			return errors.Newf("duplicate schedule name %q", c.Schedules[i].Name)
		}
		seen[c.Schedules[i].Name] = true
	}
	return nil
}

func checkMode(key, mode string) error {
	if mode != ModeSimulated && mode != ModeHTTP {
		return errors.Newf("%s must be %s or %s, got %q", key, ModeSimulated, ModeHTTP, mode)
	}
	return nil
}

func checkRate(key string, v float64) error {
	if v < 0 || v > 1 {
		return errors.Newf("%s must be between 0 and 1, got %v", key, v)
	}
	return nil
}

// StorePath resolves where the selected backend keeps its data
func (c *Config) StorePath() string {
	if c.General.StorePath != "" {
		return c.General.StorePath
	}
	name := "accounts.json"
	if c.General.StoreBackend == entitystore.BackendSQLite {
		name = "orchestrator.db"
	}
	return filepath.Join(c.General.DataDir, name)
}

// ProvisionConfig builds the per-item provisioning settings
func (c *Config) ProvisionConfig() domain.ProvisionConfig {
	p := c.Provisioning
	return domain.ProvisionConfig{
		Channel:        p.Channel,
		RegisterURL:    p.RegisterURL,
		Credential:     p.DefaultPassword,
		CountryCode:    p.CountryCode,
		UserAgent:      p.UserAgent,
		CaptchaTimeout: time.Duration(p.CaptchaTimeoutSeconds) * time.Second,
	}
}

// ProvisionDelay is the pause between provisioning items
func (c *Config) ProvisionDelay() time.Duration {
	return time.Duration(c.Provisioning.DelaySeconds) * time.Second
}

// JoinDelay is the pause between join items
func (c *Config) JoinDelay() time.Duration {
	return time.Duration(c.Joining.DelaySeconds) * time.Second
}

// SimulatedLatency is the per-item latency of the simulated backends
func (c *Config) SimulatedLatency() time.Duration {
	return time.Duration(c.Provisioning.SimulatedLatencyMS) * time.Millisecond
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "batch-orchestrator", "config.toml")
}
