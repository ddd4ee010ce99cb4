// Package config loads the service configuration from a YAML file and the
// environment, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for Mirage.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
	Chat       ChatConfig       `mapstructure:"chat"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Search     SearchConfig     `mapstructure:"search"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig selects the zap logger flavour.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RouteConfig sends one logical model to a provider.
type RouteConfig struct {
	Model    string `mapstructure:"model"`
	Provider string `mapstructure:"provider"`
}

// ChatConfig holds orchestration settings.
type ChatConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DefaultProvider string        `mapstructure:"default_provider"`
	Routes          []RouteConfig `mapstructure:"routes"`
	CompareModels   []string      `mapstructure:"compare_models"`
	PacingMin       time.Duration `mapstructure:"pacing_min"`
	PacingJitter    time.Duration `mapstructure:"pacing_jitter"`
}

// RouteMap returns the routes keyed by model.
func (c ChatConfig) RouteMap() map[string]string {
	m := make(map[string]string, len(c.Routes))
	for _, r := range c.Routes {
		if r.Model != "" && r.Provider != "" {
			m[r.Model] = r.Provider
		}
	}
	return m
}

// ModelConfig maps a logical model to an upstream model id.
type ModelConfig struct {
	Model    string `mapstructure:"model"`
	Upstream string `mapstructure:"upstream"`
}

// ProviderConfig holds one upstream adapter's settings.
type ProviderConfig struct {
	APIKeys      string        `mapstructure:"api_keys"` // comma-separated
	BaseURL      string        `mapstructure:"base_url"`
	Models       []ModelConfig `mapstructure:"models"`
	DefaultModel string        `mapstructure:"default_model"`
	Temperature  float32       `mapstructure:"temperature"`
	MaxTokens    int32         `mapstructure:"max_tokens"`
	Paced        bool          `mapstructure:"paced"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Keys splits APIKeys.
func (p ProviderConfig) Keys() []string {
	return SplitKeys(p.APIKeys)
}

// ModelMap returns the model overrides, or nil to keep the adapter defaults.
func (p ProviderConfig) ModelMap() map[string]string {
	if len(p.Models) == 0 {
		return nil
	}
	m := make(map[string]string, len(p.Models))
	for _, mc := range p.Models {
		m[mc.Model] = mc.Upstream
	}
	return m
}

// ProvidersConfig holds every adapter's settings.
type ProvidersConfig struct {
	OpenRouter ProviderConfig `mapstructure:"openrouter"`
	Mistral    ProviderConfig `mapstructure:"mistral"`
	Gemini     ProviderConfig `mapstructure:"gemini"`
}

// ResilienceConfig holds pacing, retry and breaker settings shared by all
// adapters.
type ResilienceConfig struct {
	PacerInterval     time.Duration `mapstructure:"pacer_interval"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
	SimulatedDelay    time.Duration `mapstructure:"simulated_delay"`
	SimulatedJitter   time.Duration `mapstructure:"simulated_jitter"`
	FailureDelay      time.Duration `mapstructure:"failure_delay"`
}

// SearchConfig holds the web search chain settings.
type SearchConfig struct {
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	SerperURL    string        `mapstructure:"serper_url"`
	BingAPIKey   string        `mapstructure:"bing_api_key"`
	BingURL      string        `mapstructure:"bing_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Cache        CacheConfig   `mapstructure:"cache"`
}

// CacheConfig holds the Redis search cache settings.
type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Address returns the HTTP listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SplitKeys splits a comma-separated key list, dropping blanks.
func SplitKeys(s string) []string {
	var keys []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

// envBindings keeps the conventional provider variable names working
// alongside the MIRAGE_ prefixed ones.
var envBindings = map[string]string{
	"providers.openrouter.api_keys": "OPENROUTER_API_KEY",
	"providers.mistral.api_keys":    "MISTRAL_API_KEY",
	"providers.gemini.api_keys":     "GEMINI_API_KEY",
	"search.serper_api_key":         "SERPER_API_KEY",
	"search.bing_api_key":           "BING_API_KEY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("chat.request_timeout", 60*time.Second)
	v.SetDefault("chat.default_provider", "mistral")
	v.SetDefault("chat.routes", []map[string]any{
		{"model": "gpt-5", "provider": "openrouter"},
		{"model": "claude-4", "provider": "openrouter"},
	})
	v.SetDefault("chat.compare_models", []string{"gpt-5", "claude-4", "gemini-2.5"})
	v.SetDefault("chat.pacing_min", 50*time.Millisecond)
	v.SetDefault("chat.pacing_jitter", 100*time.Millisecond)

	for _, name := range []string{"openrouter", "mistral", "gemini"} {
		prefix := "providers." + name + "."
		v.SetDefault(prefix+"api_keys", "")
		v.SetDefault(prefix+"base_url", "")
		v.SetDefault(prefix+"default_model", "")
		v.SetDefault(prefix+"temperature", 0.7)
		v.SetDefault(prefix+"max_tokens", 1000)
		v.SetDefault(prefix+"paced", name == "openrouter")
		v.SetDefault(prefix+"timeout", 60*time.Second)
	}

	v.SetDefault("resilience.pacer_interval", 2*time.Second)
	v.SetDefault("resilience.max_retries", 2)
	v.SetDefault("resilience.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("resilience.retry_max_delay", 10*time.Second)
	v.SetDefault("resilience.breaker_threshold", 5)
	v.SetDefault("resilience.breaker_cooldown", 30*time.Second)
	v.SetDefault("resilience.rate_limit_cooldown", time.Minute)
	v.SetDefault("resilience.simulated_delay", time.Second)
	v.SetDefault("resilience.simulated_jitter", time.Second)
	v.SetDefault("resilience.failure_delay", time.Second)

	v.SetDefault("search.serper_api_key", "")
	v.SetDefault("search.serper_url", "")
	v.SetDefault("search.bing_api_key", "")
	v.SetDefault("search.bing_url", "")
	v.SetDefault("search.timeout", 10*time.Second)
	v.SetDefault("search.cache.enabled", false)
	v.SetDefault("search.cache.addr", "localhost:6379")
	v.SetDefault("search.cache.password", "")
	v.SetDefault("search.cache.db", 0)
	v.SetDefault("search.cache.ttl", time.Hour)
}

// Loader reads the configuration and reloads it when the file changes.
type Loader struct {
	v        *viper.Viper
	mu       sync.RWMutex
	current  *Config
	fromFile bool
}

// NewLoader reads configPath (or ./config.yaml, ./config/config.yaml when
// empty) plus the environment. A missing default file is not an error.
func NewLoader(configPath string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("MIRAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "MIRAGE_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	l := &Loader{v: v}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		l.fromFile = true
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Load reads the configuration once.
func Load(configPath string) (*Config, error) {
	l, err := NewLoader(configPath)
	if err != nil {
		return nil, err
	}
	return l.Config(), nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// File returns the config file in use, or "" when running on defaults.
func (l *Loader) File() string {
	if !l.fromFile {
		return ""
	}
	return l.v.ConfigFileUsed()
}

// ErrNoConfigFile is returned by Watch when no file was loaded.
var ErrNoConfigFile = errors.New("config: no config file to watch")

// Watch calls onChange with the old and new configuration whenever the file
// changes to a different, valid configuration. Bursts of file events are
// collapsed into one reload.
func (l *Loader) Watch(onChange func(old, new *Config), onError func(error)) error {
	if !l.fromFile {
		return ErrNoConfigFile
	}

	var (
		debounceMu    sync.Mutex
		debounceTimer *time.Timer
	)
	l.v.OnConfigChange(func(_ fsnotify.Event) {
		debounceMu.Lock()
		defer debounceMu.Unlock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(100*time.Millisecond, func() {
			old, updated, err := l.reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			if updated != nil {
				onChange(old, updated)
			}
		})
	})
	l.v.WatchConfig()
	return nil
}

// reload re-reads the file. It returns a nil new config when nothing changed.
func (l *Loader) reload() (*Config, *Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to reread config: %w", err)
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, nil, err
	}

	old := l.current
	if reflect.DeepEqual(old, cfg) {
		return old, nil, nil
	}
	l.current = cfg
	return old, cfg, nil
}
