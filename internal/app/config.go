package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/xoelrdgz/eveguard/internal/adapters/detection"
	"github.com/xoelrdgz/eveguard/internal/domain"
)

const (
	EnvPrefix = "EVEGUARD"
	// LegacyEveEnv overrides eve.path when set.
	LegacyEveEnv = "EVE_LOG"
)

type EveConfig struct {
	Path     string
	Backfill int
	History  int
}

type FirewallConfig struct {
	Sudo   bool
	DryRun bool
}

type TransportConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
}

type AgentSettings struct {
	CheckInterval   time.Duration
	AlertThreshold  int
	TimeWindow      time.Duration
	SeverityWeights map[int]int
	AutoBlock       bool
	Whitelist       []string
	FetchCount      int
	BlockRate       float64
}

type ActionsConfig struct {
	LogPath    string
	DBPath     string
	WebhookURL string
}

type HTTPConfig struct {
	Enabled bool
	Addr    string
}

// Config is the decoded configuration for both the tool server and the agent.
type Config struct {
	Eve       EveConfig
	Firewall  FirewallConfig
	Transport TransportConfig
	Agent     AgentSettings
	Actions   ActionsConfig
	HTTP      HTTPConfig
	LogLevel  string
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("eve.path", "/var/log/suricata/eve.json")
	v.SetDefault("eve.backfill", 50)
	v.SetDefault("eve.history", domain.DefaultHistorySize)
	v.SetDefault("firewall.sudo", true)
	v.SetDefault("firewall.dry_run", false)
	v.SetDefault("transport.command", "")
	v.SetDefault("transport.args", []string{"serve"})
	v.SetDefault("transport.timeout", "5s")
	v.SetDefault("agent.check_interval", 60)
	v.SetDefault("agent.alert_threshold", detection.DefaultAlertThreshold)
	v.SetDefault("agent.time_window", 300)
	v.SetDefault("agent.severity_weight", map[string]any{"1": 10, "2": 5, "3": 2})
	v.SetDefault("agent.auto_block", true)
	v.SetDefault("agent.whitelist", []string{"127.0.0.1", "localhost"})
	v.SetDefault("agent.fetch_count", DefaultFetchCount)
	v.SetDefault("agent.block_rate", DefaultBlockRate)
	v.SetDefault("actions.log_path", "./logs/agent_actions.log")
	v.SetDefault("actions.db_path", "./data/actions.db")
	v.SetDefault("actions.webhook_url", "")
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":9090")
	v.SetDefault("logging.level", "info")
}

// InitViper prepares v: defaults, config file search path, .env and
// environment overrides. A missing config file is not an error.
func InitViper(v *viper.Viper, file string) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Error reading .env file")
	}

	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("eveguard")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/eveguard")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.Wrap(err, "read config")
		}
		log.Debug().Msg("No config file found, using defaults")
	}

	// The prefixed variable wins over the legacy one.
	if path := os.Getenv(LegacyEveEnv); path != "" && os.Getenv(EnvPrefix+"_EVE_PATH") == "" {
		v.Set("eve.path", path)
	}
	return nil
}

// LoadConfig decodes and validates the current viper state.
func LoadConfig(v *viper.Viper) (Config, error) {
	weights, err := parseWeights(v.GetStringMap("agent.severity_weight"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Eve: EveConfig{
			Path:     v.GetString("eve.path"),
			Backfill: v.GetInt("eve.backfill"),
			History:  v.GetInt("eve.history"),
		},
		Firewall: FirewallConfig{
			Sudo:   v.GetBool("firewall.sudo"),
			DryRun: v.GetBool("firewall.dry_run"),
		},
		Transport: TransportConfig{
			Command: v.GetString("transport.command"),
			Args:    v.GetStringSlice("transport.args"),
			Timeout: v.GetDuration("transport.timeout"),
		},
		Agent: AgentSettings{
			CheckInterval:   seconds(v.GetFloat64("agent.check_interval")),
			AlertThreshold:  v.GetInt("agent.alert_threshold"),
			TimeWindow:      seconds(v.GetFloat64("agent.time_window")),
			SeverityWeights: weights,
			AutoBlock:       v.GetBool("agent.auto_block"),
			Whitelist:       v.GetStringSlice("agent.whitelist"),
			FetchCount:      v.GetInt("agent.fetch_count"),
			BlockRate:       v.GetFloat64("agent.block_rate"),
		},
		Actions: ActionsConfig{
			LogPath:    v.GetString("actions.log_path"),
			DBPath:     v.GetString("actions.db_path"),
			WebhookURL: v.GetString("actions.webhook_url"),
		},
		HTTP: HTTPConfig{
			Enabled: v.GetBool("http.enabled"),
			Addr:    v.GetString("http.addr"),
		},
		LogLevel: v.GetString("logging.level"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Eve.Path) == "" {
		return &ConfigValidationError{Field: "eve.path", Value: c.Eve.Path, Reason: "must not be empty"}
	}
	if c.Eve.Backfill < 0 {
		return &ConfigValidationError{Field: "eve.backfill", Value: c.Eve.Backfill, Reason: "must be >= 0"}
	}
	if c.Eve.History < 1 || c.Eve.History > 1000000 {
		return &ConfigValidationError{Field: "eve.history", Value: c.Eve.History, Reason: "must be between 1 and 1M"}
	}
	if c.Transport.Timeout <= 0 {
		return &ConfigValidationError{Field: "transport.timeout", Value: c.Transport.Timeout, Reason: "must be positive"}
	}
	if c.Agent.CheckInterval <= 0 {
		return &ConfigValidationError{Field: "agent.check_interval", Value: c.Agent.CheckInterval, Reason: "must be positive"}
	}
	if c.Agent.AlertThreshold < 1 {
		return &ConfigValidationError{Field: "agent.alert_threshold", Value: c.Agent.AlertThreshold, Reason: "must be positive"}
	}
	if c.Agent.TimeWindow <= 0 {
		return &ConfigValidationError{Field: "agent.time_window", Value: c.Agent.TimeWindow, Reason: "must be positive"}
	}
	if c.Agent.FetchCount < 1 || c.Agent.FetchCount > domain.DefaultHistorySize*10 {
		return &ConfigValidationError{Field: "agent.fetch_count", Value: c.Agent.FetchCount, Reason: "must be between 1 and 10000"}
	}
	if c.Agent.BlockRate < 0 {
		return &ConfigValidationError{Field: "agent.block_rate", Value: c.Agent.BlockRate, Reason: "must be >= 0"}
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return &ConfigValidationError{Field: "http.addr", Value: c.HTTP.Addr, Reason: "required when http is enabled"}
	}
	return c.Rules().Validate()
}

// Rules builds the scoring rules from the agent settings.
func (c Config) Rules() detection.Rules {
	rules := detection.DefaultRules()
	rules.Window = c.Agent.TimeWindow
	rules.AlertThreshold = c.Agent.AlertThreshold
	if c.Agent.SeverityWeights != nil {
		rules.SeverityWeights = c.Agent.SeverityWeights
	}
	rules.Whitelist = detection.NewWhitelist(c.Agent.Whitelist...)
	return rules
}

func parseWeights(raw map[string]any) (map[int]int, error) {
	weights := make(map[int]int, len(raw))
	for key, value := range raw {
		severity, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return nil, &ConfigValidationError{Field: "agent.severity_weight", Value: key, Reason: "keys must be integers"}
		}
		weight, ok := toInt(value)
		if !ok {
			return nil, &ConfigValidationError{Field: "agent.severity_weight." + key, Value: value, Reason: "must be an integer"}
		}
		weights[severity] = weight
	}
	return weights, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	default:
		return 0, false
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

type ConfigValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s = %v - %s", e.Field, e.Value, e.Reason)
}

// HotReloadConfig re-reads the config file on change and hands validated
// configs to apply. Invalid configs are rejected and the current one kept.
type HotReloadConfig struct {
	v       *viper.Viper
	current atomic.Pointer[Config]
	apply   func(Config)

	mu      sync.Mutex
	stopped atomic.Bool
}

func NewHotReloadConfig(v *viper.Viper, initial Config, apply func(Config)) *HotReloadConfig {
	h := &HotReloadConfig{v: v, apply: apply}
	h.current.Store(&initial)
	return h
}

func (h *HotReloadConfig) Current() Config {
	return *h.current.Load()
}

func (h *HotReloadConfig) StartWatching() {
	if h.v.ConfigFileUsed() == "" {
		log.Debug().Msg("No config file in use, hot reload disabled")
		return
	}
	h.v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().
			Str("file", e.Name).
			Str("op", e.Op.String()).
			Msg("Config file changed, reloading...")

		if err := h.Reload(); err != nil {
			log.Error().Err(err).Msg("Config reload rejected, keeping current configuration")
		}
	})

	h.v.WatchConfig()
	log.Info().Str("config", h.v.ConfigFileUsed()).Msg("Hot-reload config watching started")
}

// Reload re-reads the config file and applies it if valid.
func (h *HotReloadConfig) Reload() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped.Load() {
		return nil
	}

	if err := h.v.ReadInConfig(); err != nil {
		return errors.Wrap(err, "re-read config")
	}
	cfg, err := LoadConfig(h.v)
	if err != nil {
		return err
	}

	h.current.Store(&cfg)
	if h.apply != nil {
		h.apply(cfg)
	}
	log.Info().
		Int("alert_threshold", cfg.Agent.AlertThreshold).
		Dur("time_window", cfg.Agent.TimeWindow).
		Bool("auto_block", cfg.Agent.AutoBlock).
		Msg("Configuration hot-reloaded successfully")
	return nil
}

// Stop turns later file events into no-ops; viper offers no way to remove the
// watcher itself.
func (h *HotReloadConfig) Stop() {
	if h.stopped.CompareAndSwap(false, true) {
		log.Info().Msg("Hot-reload config watcher stopped")
	}
}
