// Package config loads the render service configuration from a YAML file
// and RENDERFLOW_* environment variables, with env taking precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path given by an env var with
// a _FILE suffix. If KEY is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

// Config is the full renderd configuration
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Queue     QueueConfig
	Recovery  RecoveryConfig
	Render    RenderConfig
	Publisher PublisherConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
	Cleanup   CleanupConfig
}

// ServerConfig configures the HTTP control surface
type ServerConfig struct {
	Port           string
	LogLevel       string
	LogJSON        bool
	APIKey         string // empty disables API key auth
	MetricsEnabled bool
	MetricsPort    string

	// TLS for the API listener. A missing cert pair is generated
	// self-signed at startup.
	TLSEnabled    bool
	TLSCertFile   string
	TLSKeyFile    string
	TLSCAFile     string // CA bundle for client certificate verification
	TLSClientAuth bool   // require and verify client certificates
}

// StoreConfig selects and configures the job store backend
type StoreConfig struct {
	Type     string // sqlite, postgres, redis or memory
	Path     string // sqlite database file
	DSN      string // postgres connection string
	Addr     string // redis address
	Password string // redis password
	DB       int    // redis database
}

// QueueConfig configures the worker pool and the render retry budget
type QueueConfig struct {
	Workers        int
	PollInterval   time.Duration
	DrainTimeout   time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// RecoveryConfig configures orphaned job recovery
type RecoveryConfig struct {
	SweepInterval time.Duration
	OrphanGrace   time.Duration
}

// RenderConfig configures the render pipeline and the ffmpeg invocation
type RenderConfig struct {
	FFmpegPath    string
	SceneWorkers  int
	WorkRoot      string        // temp dir root for per-attempt workspaces
	TimeoutFloor  time.Duration // minimum per-scene timeout
	TimeoutFactor float64       // timeout seconds per second of content
}

// PublisherConfig selects where final artifacts go
type PublisherConfig struct {
	Type string // local or s3

	// Local backend
	LocalDir     string
	LocalBaseURL string

	// S3-compatible backend
	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3PublicBaseURL   string
	S3PresignExpiry   time.Duration
}

// RateLimitConfig configures request throttling
type RateLimitConfig struct {
	EnqueuePerMinute float64 // per-user enqueue budget, 0 disables
	EnqueueBurst     int
	GlobalRPS        float64 // per-IP budget across all routes, 0 disables
	GlobalBurst      int
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Enabled      bool
	OTLPEndpoint string
	Environment  string
}

// CleanupConfig configures retention of settled jobs and stale work dirs
type CleanupConfig struct {
	Enabled        bool
	RetentionDays  int
	Interval       time.Duration
	VacuumInterval time.Duration
	WorkDirMaxAge  time.Duration
}

// Load reads configuration from the given file (optional, "" searches the
// working directory), then overlays RENDERFLOW_* environment variables.
func Load(cfgFile string) (*Config, error) {
	readSecret("RENDERFLOW_API_KEY")
	readSecret("RENDERFLOW_S3_ACCESS_KEY_ID")
	readSecret("RENDERFLOW_S3_SECRET_ACCESS_KEY")
	readSecret("RENDERFLOW_STORE_PASSWORD")

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("renderflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("RENDERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// The config file is optional; env and defaults are enough to run.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, err
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetString("server.port"),
			LogLevel:       v.GetString("server.log_level"),
			LogJSON:        v.GetBool("server.log_json"),
			APIKey:         v.GetString("api.key"),
			MetricsEnabled: v.GetBool("metrics.enabled"),
			MetricsPort:    v.GetString("metrics.port"),
			TLSEnabled:     v.GetBool("server.tls_enabled"),
			TLSCertFile:    v.GetString("server.tls_cert_file"),
			TLSKeyFile:     v.GetString("server.tls_key_file"),
			TLSCAFile:      v.GetString("server.tls_ca_file"),
			TLSClientAuth:  v.GetBool("server.tls_client_auth"),
		},
		Store: StoreConfig{
			Type:     v.GetString("store.type"),
			Path:     v.GetString("store.path"),
			DSN:      v.GetString("store.dsn"),
			Addr:     v.GetString("store.addr"),
			Password: v.GetString("store.password"),
			DB:       v.GetInt("store.db"),
		},
		Queue: QueueConfig{
			Workers:        v.GetInt("queue.workers"),
			PollInterval:   v.GetDuration("queue.poll_interval"),
			DrainTimeout:   v.GetDuration("queue.drain_timeout"),
			MaxAttempts:    v.GetInt("queue.max_attempts"),
			InitialBackoff: v.GetDuration("queue.initial_backoff"),
			MaxBackoff:     v.GetDuration("queue.max_backoff"),
		},
		Recovery: RecoveryConfig{
			SweepInterval: v.GetDuration("recovery.sweep_interval"),
			OrphanGrace:   v.GetDuration("recovery.orphan_grace"),
		},
		Render: RenderConfig{
			FFmpegPath:    v.GetString("render.ffmpeg_path"),
			SceneWorkers:  v.GetInt("render.scene_workers"),
			WorkRoot:      v.GetString("render.work_root"),
			TimeoutFloor:  v.GetDuration("render.timeout_floor"),
			TimeoutFactor: v.GetFloat64("render.timeout_factor"),
		},
		Publisher: PublisherConfig{
			Type:              v.GetString("publisher.type"),
			LocalDir:          v.GetString("publisher.local_dir"),
			LocalBaseURL:      v.GetString("publisher.local_base_url"),
			S3Endpoint:        v.GetString("s3.endpoint"),
			S3Region:          v.GetString("s3.region"),
			S3Bucket:          v.GetString("s3.bucket"),
			S3AccessKeyID:     v.GetString("s3.access_key_id"),
			S3SecretAccessKey: v.GetString("s3.secret_access_key"),
			S3PublicBaseURL:   v.GetString("s3.public_base_url"),
			S3PresignExpiry:   v.GetDuration("s3.presign_expiry"),
		},
		RateLimit: RateLimitConfig{
			EnqueuePerMinute: v.GetFloat64("ratelimit.enqueue_per_minute"),
			EnqueueBurst:     v.GetInt("ratelimit.enqueue_burst"),
			GlobalRPS:        v.GetFloat64("ratelimit.global_rps"),
			GlobalBurst:      v.GetInt("ratelimit.global_burst"),
		},
		Tracing: TracingConfig{
			Enabled:      v.GetBool("tracing.enabled"),
			OTLPEndpoint: v.GetString("tracing.otlp_endpoint"),
			Environment:  v.GetString("tracing.environment"),
		},
		Cleanup: CleanupConfig{
			Enabled:        v.GetBool("cleanup.enabled"),
			RetentionDays:  v.GetInt("cleanup.retention_days"),
			Interval:       v.GetDuration("cleanup.interval"),
			VacuumInterval: v.GetDuration("cleanup.vacuum_interval"),
			WorkDirMaxAge:  v.GetDuration("cleanup.workdir_max_age"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_json", false)
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.tls_cert_file", "certs/renderd.crt")
	v.SetDefault("server.tls_key_file", "certs/renderd.key")
	v.SetDefault("server.tls_ca_file", "")
	v.SetDefault("server.tls_client_auth", false)

	v.SetDefault("api.key", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", "9090")

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.path", "renderflow.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.addr", "localhost:6379")
	v.SetDefault("store.password", "")
	v.SetDefault("store.db", 0)

	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.drain_timeout", 30*time.Second)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.initial_backoff", 5*time.Second)
	v.SetDefault("queue.max_backoff", 5*time.Minute)

	v.SetDefault("recovery.sweep_interval", time.Minute)
	v.SetDefault("recovery.orphan_grace", 30*time.Second)

	v.SetDefault("render.ffmpeg_path", "ffmpeg")
	v.SetDefault("render.scene_workers", 2)
	v.SetDefault("render.work_root", "")
	v.SetDefault("render.timeout_floor", 60*time.Second)
	v.SetDefault("render.timeout_factor", 10.0)

	v.SetDefault("publisher.type", "local")
	v.SetDefault("publisher.local_dir", "./renders")
	v.SetDefault("publisher.local_base_url", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "auto")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.presign_expiry", 24*time.Hour)

	v.SetDefault("ratelimit.enqueue_per_minute", 0)
	v.SetDefault("ratelimit.enqueue_burst", 5)
	v.SetDefault("ratelimit.global_rps", 0)
	v.SetDefault("ratelimit.global_burst", 20)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.retention_days", 7)
	v.SetDefault("cleanup.interval", 24*time.Hour)
	v.SetDefault("cleanup.vacuum_interval", 7*24*time.Hour)
	v.SetDefault("cleanup.workdir_max_age", 24*time.Hour)
}
