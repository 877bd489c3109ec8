package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/service"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds the configuration of the server and the CLI.
type Config struct {
	DB struct {
		DSN      string `mapstructure:"dsn"` // Overrides the individual fields when set
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	HTTP struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"http"`
	Engine struct {
		Workers       int           `mapstructure:"workers"`
		NodeTimeout   time.Duration `mapstructure:"node_timeout"`
		RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
		InvokeRPS     float64       `mapstructure:"invoke_rps"`
		InvokeBurst   int           `mapstructure:"invoke_burst"`
		GraphCacheTTL time.Duration `mapstructure:"graph_cache_ttl"`
	} `mapstructure:"engine"`
	Redis struct {
		Addr     string `mapstructure:"addr"` // Empty selects the in-process locker
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Lock struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"lock"`
	AIService struct {
		URL     string        `mapstructure:"url"` // Empty runs every node as passthrough
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"ai_service"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.username", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "genius")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("http.port", 8080)
	v.SetDefault("engine.workers", 0)
	v.SetDefault("engine.node_timeout", service.DefaultNodeTimeout)
	v.SetDefault("engine.retry_backoff", service.DefaultRetryBackoff)
	v.SetDefault("engine.invoke_rps", 0.0)
	v.SetDefault("engine.invoke_burst", 1)
	v.SetDefault("engine.graph_cache_ttl", service.DefaultGraphCacheTTL)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("ai_service.url", "")
	v.SetDefault("ai_service.timeout", 2*time.Minute)
}

// Load reads .env, an optional config.yaml from the given directories
// (default "." and "./config") and the environment. Environment variables
// win; nested keys map to upper snake case, e.g. engine.node_timeout is
// ENGINE_NODE_TIMEOUT.
func Load(configPaths ...string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(configPaths) == 0 {
		configPaths = []string{".", "./config"}
	}
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.Errorf("invalid HTTP port %d", c.HTTP.Port)
	}
	if c.Engine.Workers < 0 {
		return errors.Errorf("engine workers must not be negative, got %d", c.Engine.Workers)
	}
	if c.Engine.InvokeRPS < 0 {
		return errors.Errorf("engine invoke rate must not be negative, got %v", c.Engine.InvokeRPS)
	}
	return nil
}

// DatabaseURL returns DB.DSN, or a postgres URL assembled from the DB fields.
func (c *Config) DatabaseURL() string {
	if c.DB.DSN != "" {
		return c.DB.DSN
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", c.DB.Host, c.DB.Port),
		Path:     "/" + c.DB.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.DB.SSLMode),
	}
	if c.DB.Username != "" {
		u.User = url.UserPassword(c.DB.Username, c.DB.Password)
	}
	return u.String()
}

func (c *Config) EngineConfig() service.EngineConfig {
	return service.EngineConfig{
		NodeTimeout:   c.Engine.NodeTimeout,
		RetryBackoff:  c.Engine.RetryBackoff,
		InvokeRPS:     c.Engine.InvokeRPS,
		InvokeBurst:   c.Engine.InvokeBurst,
		GraphCacheTTL: c.Engine.GraphCacheTTL,
	}
}
