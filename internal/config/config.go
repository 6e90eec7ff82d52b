// Package config loads and validates sync configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Forum       ForumConfig       `mapstructure:"forum"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Attachments AttachmentsConfig `mapstructure:"attachments"`
	Geocoder    GeocoderConfig    `mapstructure:"geocoder"`
	DB          DBConfig          `mapstructure:"db"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Server      ServerConfig      `mapstructure:"server"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ForumConfig identifies the crawled forum and bounds the crawl.
type ForumConfig struct {
	SourceName    string `mapstructure:"source_name"`
	RootURL       string `mapstructure:"root_url"`
	MaxPages      int    `mapstructure:"max_pages"`
	MaxTopicPages int    `mapstructure:"max_topic_pages"`
	UserAgent     string `mapstructure:"user_agent"`
}

// HTTPConfig configures the fetch gate.
type HTTPConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	MaxConcurrency    int     `mapstructure:"max_concurrency"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	MaxBodyBytes      int     `mapstructure:"max_body_bytes"`
}

// AuthConfig holds forum credentials and the fallback session cookie.
type AuthConfig struct {
	LoginURL          string `mapstructure:"login_url"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	SessionCookie     string `mapstructure:"session_cookie"`
	SessionCookieName string `mapstructure:"session_cookie_name"`
}

// AttachmentsConfig controls attachment downloads.
type AttachmentsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// GeocoderConfig selects and tunes the geocoding provider.
type GeocoderConfig struct {
	Provider          string  `mapstructure:"provider"`
	YandexAPIKey      string  `mapstructure:"yandex_api_key"`
	GoogleAPIKey      string  `mapstructure:"google_api_key"`
	TTLDays           int     `mapstructure:"ttl_days"`
	CountryHint       string  `mapstructure:"country_hint"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for run summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SyncConfig controls scheduled runs.
type SyncConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
	RunOnStart bool          `mapstructure:"run_on_start"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GEOSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("forum.source_name", "rusfishing")
	v.SetDefault("forum.root_url", "https://www.rusfishing.ru/forum/forums/platnyye-prudy.63/")
	v.SetDefault("forum.max_pages", 3)
	v.SetDefault("forum.max_topic_pages", 2)
	v.SetDefault("forum.user_agent", "FishingMapBot/1.0 (+respects robots.txt and ToS)")
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.max_concurrency", 3)
	v.SetDefault("http.requests_per_second", 1.5)
	v.SetDefault("http.max_body_bytes", 25*1024*1024)
	v.SetDefault("auth.login_url", "")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.session_cookie", "")
	v.SetDefault("auth.session_cookie_name", "xf_session")
	v.SetDefault("attachments.enabled", true)
	v.SetDefault("attachments.dir", "data/attachments")
	v.SetDefault("attachments.gcs_bucket", "")
	v.SetDefault("attachments.gcs_prefix", "attachments")
	v.SetDefault("geocoder.provider", "yandex")
	v.SetDefault("geocoder.yandex_api_key", "")
	v.SetDefault("geocoder.google_api_key", "")
	v.SetDefault("geocoder.ttl_days", 30)
	v.SetDefault("geocoder.country_hint", "Россия")
	v.SetDefault("geocoder.requests_per_second", 5)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("sync.interval", "30m")
	v.SetDefault("sync.run_timeout", "25m")
	v.SetDefault("sync.run_on_start", true)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Forum.SourceName) == "" {
		return fmt.Errorf("forum.source_name must be set")
	}
	u, err := url.Parse(c.Forum.RootURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("forum.root_url must be an absolute URL")
	}
	if c.Forum.MaxPages <= 0 {
		return fmt.Errorf("forum.max_pages must be > 0")
	}
	if c.Forum.MaxTopicPages <= 0 {
		return fmt.Errorf("forum.max_topic_pages must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxConcurrency <= 0 {
		return fmt.Errorf("http.max_concurrency must be > 0")
	}
	if c.HTTP.RequestsPerSecond <= 0 {
		return fmt.Errorf("http.requests_per_second must be > 0")
	}
	if c.Attachments.Enabled && strings.TrimSpace(c.Attachments.Dir) == "" {
		return fmt.Errorf("attachments.dir must be set when attachments are enabled")
	}
	switch strings.ToLower(c.Geocoder.Provider) {
	case "yandex", "google":
	default:
		return fmt.Errorf("geocoder.provider must be yandex or google, got %q", c.Geocoder.Provider)
	}
	if c.Geocoder.TTLDays <= 0 {
		return fmt.Errorf("geocoder.ttl_days must be > 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be > 0")
	}
	return nil
}

// Timeout converts the HTTP timeout into a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// GeocodeTTL converts the geocode TTL into a duration.
func (c Config) GeocodeTTL() time.Duration {
	return time.Duration(c.Geocoder.TTLDays) * 24 * time.Hour
}
