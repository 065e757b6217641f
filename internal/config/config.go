// Package config loads and validates mirror configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. COLMIRROR_CRAWLER_CONCURRENCY.
const EnvPrefix = "COLMIRROR"

// DefaultConfigName is the optional config file looked up in the working directory.
const DefaultConfigName = "colmirror"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Site    SiteConfig    `mapstructure:"site"`
	Input   InputConfig   `mapstructure:"input"`
	Output  OutputConfig  `mapstructure:"output"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// SiteConfig describes the remote document site.
type SiteConfig struct {
	BaseURL     string   `mapstructure:"base_url"`
	ColumnPath  string   `mapstructure:"column_path"`
	StaticFiles []string `mapstructure:"static_files"`
}

// InputConfig locates the collection list.
type InputConfig struct {
	ListFile string `mapstructure:"list_file"`
}

// OutputConfig locates the mirror root.
type OutputConfig struct {
	Root string `mapstructure:"root"`
}

// CrawlerConfig governs scheduling and politeness.
type CrawlerConfig struct {
	Concurrency        int           `mapstructure:"concurrency"`
	QueueDepth         int           `mapstructure:"queue_depth"`
	DelayMin           time.Duration `mapstructure:"delay_min"`
	DelayMax           time.Duration `mapstructure:"delay_max"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second"`
	Burst              int           `mapstructure:"burst"`
	CollectionDelay    time.Duration `mapstructure:"collection_delay"`
	CollectionCooldown time.Duration `mapstructure:"collection_cooldown"`
	StaticDelay        time.Duration `mapstructure:"static_delay"`
}

// HTTPConfig configures the transport client.
type HTTPConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	InsecureTLS    bool          `mapstructure:"insecure_tls"`
	UserAgents     []string      `mapstructure:"user_agents"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
}

// ServerConfig controls the optional status server; port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// MetricsConfig controls the end-of-run metrics export.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DefaultUserAgents are rotated when none are configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
}

// DefaultStaticFiles are the shared assets every page links to.
var DefaultStaticFiles = []string{
	"index.css",
	"highlight.min.css",
	"highlight.min.js",
	"index.js",
	"main.js",
	"email-decode.min.js",
	"favicon.png",
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; existing variables win.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

// Load builds a Config from defaults, an optional file, and the environment.
// With an empty path, colmirror.{yaml,yml,json,toml} in the working directory
// is read when present.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if !strings.HasSuffix(cfg.Site.BaseURL, "/") {
		cfg.Site.BaseURL += "/"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.base_url", "https://learn.lianglianglee.com/")
	v.SetDefault("site.column_path", "专栏")
	v.SetDefault("site.static_files", DefaultStaticFiles)
	v.SetDefault("input.list_file", "doc.txt")
	v.SetDefault("output.root", "技术摘抄")
	v.SetDefault("crawler.concurrency", 1)
	v.SetDefault("crawler.queue_depth", 0)
	v.SetDefault("crawler.delay_min", 8*time.Second)
	v.SetDefault("crawler.delay_max", 15*time.Second)
	v.SetDefault("crawler.requests_per_second", 0)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("crawler.collection_delay", 2*time.Second)
	v.SetDefault("crawler.collection_cooldown", 3*time.Second)
	v.SetDefault("crawler.static_delay", 100*time.Millisecond)
	v.SetDefault("http.timeout", 15*time.Second)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial", 10*time.Second)
	v.SetDefault("http.backoff_max", 2*time.Minute)
	v.SetDefault("http.insecure_tls", true)
	v.SetDefault("http.user_agents", DefaultUserAgents)
	v.SetDefault("http.max_body_bytes", 32<<20)
	v.SetDefault("server.port", 0)
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.Site.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("site.base_url must be an absolute URL")
	}
	if strings.TrimSpace(c.Input.ListFile) == "" {
		return fmt.Errorf("input.list_file is required")
	}
	if strings.TrimSpace(c.Output.Root) == "" {
		return fmt.Errorf("output.root is required")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.QueueDepth < 0 {
		return fmt.Errorf("crawler.queue_depth must be >= 0")
	}
	if c.Crawler.DelayMin < 0 || c.Crawler.DelayMax < c.Crawler.DelayMin {
		return fmt.Errorf("crawler.delay_min must be >= 0 and <= crawler.delay_max")
	}
	if c.Crawler.RequestsPerSecond < 0 {
		return fmt.Errorf("crawler.requests_per_second must be >= 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.BackoffMax > 0 && c.HTTP.BackoffMax < c.HTTP.BackoffInitial {
		return fmt.Errorf("http.backoff_max must be >= http.backoff_initial")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}
	return nil
}
