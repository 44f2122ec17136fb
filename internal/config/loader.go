// Package config loads depotwatch configuration.
//
// Precedence, lowest first: defaults, config file, DEPOTWATCH_* environment
// variables, runtime overrides passed to Load.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppName is the binary, config file, and app data directory name.
const AppName = "depotwatch"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "DEPOTWATCH"

// Fetch sink kinds.
const (
	SinkNone = "none"
	SinkDir  = "dir"
	SinkS3   = "s3"
)

type Config struct {
	Store           StoreConfig   `mapstructure:"store"`
	Remote          RemoteConfig  `mapstructure:"remote"`
	Servers         []string      `mapstructure:"servers"`
	ImportantDepots []uint32      `mapstructure:"important_depots"`
	FullRun         bool          `mapstructure:"full_run"`
	Notify          NotifyConfig  `mapstructure:"notify"`
	Fetch           FetchConfig   `mapstructure:"fetch"`
	Logging         LoggingConfig `mapstructure:"logging"`
	Server          ServerConfig  `mapstructure:"server"`
}

type StoreConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type RemoteConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type FetchConfig struct {
	Sink string        `mapstructure:"sink"`
	Dir  string        `mapstructure:"dir"`
	S3   FetchS3Config `mapstructure:"s3"`
}

type FetchS3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	Prefix         string `mapstructure:"prefix"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EnvSpec maps one environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile pins the config file Load reads. An empty path restores
// discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// DataDir returns the app data directory.
func DataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// Load builds the configuration and stores it for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.RLock()
	file := configFile
	configMu.RUnlock()

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, file); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// applyOverrides sets each leaf of a nested map so it wins over env and file.
func applyOverrides(v *viper.Viper, prefix string, values map[string]any) {
	for k, val := range values {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}

func setDefaults(v *viper.Viper) {
	dataDir := DataDir()

	v.SetDefault("store.path", filepath.Join(dataDir, "depots.db"))
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("remote.base_url", "http://localhost:7070")
	v.SetDefault("remote.rate_limit", 0)
	v.SetDefault("remote.timeout", "30s")

	v.SetDefault("servers", []string{})
	v.SetDefault("important_depots", []uint32{})
	v.SetDefault("full_run", false)

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.timeout", "10s")

	v.SetDefault("fetch.sink", SinkNone)
	v.SetDefault("fetch.dir", filepath.Join(dataDir, "fetch"))
	v.SetDefault("fetch.s3.bucket", "")
	v.SetDefault("fetch.s3.region", "")
	v.SetDefault("fetch.s3.endpoint", "")
	v.SetDefault("fetch.s3.profile", "")
	v.SetDefault("fetch.s3.prefix", "fetch")
	v.SetDefault("fetch.s3.force_path_style", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
}

func readConfigFile(v *viper.Viper, file string) error {
	if file == "" {
		file = os.Getenv(EnvPrefix + "_CONFIG")
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// getUserConfigPaths lists the directories searched for depotwatch.yaml.
func getUserConfigPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		paths = append(paths, filepath.Join(dir, AppName))
	}
	return paths
}

func getEnvSpecs() []EnvSpec {
	spec := func(suffix, path string) EnvSpec {
		return EnvSpec{Name: EnvPrefix + "_" + suffix, Path: path}
	}
	return []EnvSpec{
		spec("STORE_PATH", "store.path"),
		spec("STORE_URL", "store.url"),
		spec("STORE_AUTH_TOKEN", "store.auth_token"),
		spec("REMOTE_URL", "remote.base_url"),
		spec("REMOTE_RATE_LIMIT", "remote.rate_limit"),
		spec("REMOTE_TIMEOUT", "remote.timeout"),
		spec("SERVERS", "servers"),
		spec("IMPORTANT_DEPOTS", "important_depots"),
		spec("FULL_RUN", "full_run"),
		spec("WEBHOOK_URL", "notify.webhook_url"),
		spec("WEBHOOK_TIMEOUT", "notify.timeout"),
		spec("FETCH_SINK", "fetch.sink"),
		spec("FETCH_DIR", "fetch.dir"),
		spec("FETCH_S3_BUCKET", "fetch.s3.bucket"),
		spec("FETCH_S3_REGION", "fetch.s3.region"),
		spec("FETCH_S3_ENDPOINT", "fetch.s3.endpoint"),
		spec("FETCH_S3_PROFILE", "fetch.s3.profile"),
		spec("FETCH_S3_PREFIX", "fetch.s3.prefix"),
		spec("LOG_LEVEL", "logging.level"),
		spec("LOG_PROFILE", "logging.profile"),
		spec("HOST", "server.host"),
		spec("PORT", "server.port"),
		spec("READ_TIMEOUT", "server.read_timeout"),
		spec("WRITE_TIMEOUT", "server.write_timeout"),
		spec("IDLE_TIMEOUT", "server.idle_timeout"),
		spec("SHUTDOWN_TIMEOUT", "server.shutdown_timeout"),
	}
}

func (c *Config) normalize() {
	c.Fetch.Sink = strings.ToLower(strings.TrimSpace(c.Fetch.Sink))
	if c.Fetch.Sink == "" {
		c.Fetch.Sink = SinkNone
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Profile = strings.ToLower(strings.TrimSpace(c.Logging.Profile))

	servers := c.Servers[:0]
	for _, s := range c.Servers {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	c.Servers = servers
}

// Validate checks values that have a closed set of options.
func (c *Config) Validate() error {
	switch c.Fetch.Sink {
	case SinkNone, SinkDir:
	case SinkS3:
		if c.Fetch.S3.Bucket == "" {
			return errors.New("config: fetch.s3.bucket is required when fetch.sink is s3")
		}
	default:
		return fmt.Errorf("config: fetch.sink must be one of none, dir, s3 (got %q)", c.Fetch.Sink)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port out of range: %d", c.Server.Port)
	}
	if c.Remote.RateLimit < 0 {
		return fmt.Errorf("config: remote.rate_limit must not be negative")
	}
	return nil
}
