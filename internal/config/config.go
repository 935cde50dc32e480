// Package config centralizes how DropWatch reads its settings. Values come
// from defaults, then an optional YAML file, then DROPWATCH_* environment
// variables, in that order of precedence.
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	Address        string `yaml:"address"`
	LogLevel       string `yaml:"log_level"`
	LogDevelopment bool   `yaml:"log_development"`
	// SigningSecret authorizes operator clear requests. Generated when empty,
	// which disables remote clears across restarts.
	SigningSecret string        `yaml:"signing_secret"`
	SignedTTL     time.Duration `yaml:"signed_ttl"`

	// SecretGenerated is set when SigningSecret was generated at load time.
	SecretGenerated bool `yaml:"-"`

	Gather   GatherConfig   `yaml:"gather"`
	Workers  WorkerConfig   `yaml:"workers"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
	Arrivals ArrivalConfig  `yaml:"arrivals"`
	Status   StatusConfig   `yaml:"status"`
	S3       S3Config       `yaml:"s3"`
	Redis    RedisConfig    `yaml:"redis"`
	Manifest ManifestConfig `yaml:"manifest"`
	Alerts   AlertConfig    `yaml:"alerts"`

	DatabaseURL string `yaml:"database_url"`
}

// GatherConfig controls batch windows.
type GatherConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	// QuietTimeout closes a batch once no file was admitted for this long.
	QuietTimeout   time.Duration `yaml:"quiet_timeout"`
	MaxBatchWindow time.Duration `yaml:"max_batch_window"`
	MaxBatchFiles  int           `yaml:"max_batch_files"`
	// Lookback widens the first arrival query into the past.
	Lookback time.Duration `yaml:"lookback"`
}

// WorkerConfig controls the status polling pool.
type WorkerConfig struct {
	Count        int           `yaml:"count"`
	QueueSize    int           `yaml:"queue_size"`
	Backpressure string        `yaml:"backpressure"`
	MaxAttempts  int           `yaml:"max_attempts"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PopTimeout   time.Duration `yaml:"pop_timeout"`
}

// ShutdownConfig controls the signal-file coordinator.
type ShutdownConfig struct {
	File          string        `yaml:"file"`
	CheckInterval time.Duration `yaml:"check_interval"`
	DrainGrace    time.Duration `yaml:"drain_grace"`
	JoinTimeout   time.Duration `yaml:"join_timeout"`
}

// ArrivalConfig selects where new files are discovered.
type ArrivalConfig struct {
	Source          string   `yaml:"source"`
	Dir             string   `yaml:"dir"`
	Prefix          string   `yaml:"prefix"`
	IncludePatterns []string `yaml:"include_patterns"`
}

// StatusConfig selects where file statuses are checked.
type StatusConfig struct {
	Source       string        `yaml:"source"`
	URL          string        `yaml:"url"`
	Timeout      time.Duration `yaml:"timeout"`
	MarkerPrefix string        `yaml:"marker_prefix"`
}

// S3Config holds MinIO/S3 connection settings.
type S3Config struct {
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	UseSSL         bool   `yaml:"use_ssl"`
	Region         string `yaml:"region"`
	ArrivalBucket  string `yaml:"arrival_bucket"`
	StatusBucket   string `yaml:"status_bucket"`
	ManifestBucket string `yaml:"manifest_bucket"`
}

// RedisConfig is used by the asynq manifest hand-off.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ManifestConfig lists the manifest sinks: file, s3, postgres, queue.
type ManifestConfig struct {
	Sinks  []string `yaml:"sinks"`
	Dir    string   `yaml:"dir"`
	Prefix string   `yaml:"prefix"`
}

// AlertConfig lists alert destinations. The log sink is always on.
type AlertConfig struct {
	SlackWebhook   string        `yaml:"slack_webhook"`
	SlackChannel   string        `yaml:"slack_channel"`
	DiscordWebhook string        `yaml:"discord_webhook"`
	Buffer         int           `yaml:"buffer"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
}

const (
	defaultAddress         = ":8080"
	defaultCheckInterval   = time.Minute
	defaultQuietTimeout    = 5 * time.Minute
	defaultMaxBatchWindow  = time.Hour
	defaultWorkerCount     = 2
	defaultBackpressure    = BackpressureBlock
	defaultMaxAttempts     = 15
	defaultPollInterval    = 2 * time.Minute
	defaultPopTimeout      = 5 * time.Second
	defaultShutdownFile    = "dropwatch.shutdown"
	defaultShutdownCheck   = 5 * time.Second
	defaultDrainGrace      = 5 * time.Minute
	defaultJoinTimeout     = time.Minute
	defaultArrivalSource   = "dir"
	defaultArrivalDir      = "inbox"
	defaultStatusSource    = "http"
	defaultStatusTimeout   = 30 * time.Second
	defaultMarkerPrefix    = "status/"
	defaultManifestSinks   = "file"
	defaultManifestDir     = "manifests"
	defaultManifestPrefix  = "manifests/"
	defaultSignedTTL       = 5 * time.Minute
	defaultRedisAddr       = "127.0.0.1:6379"
	defaultS3Region        = "us-east-1"
	defaultArrivalBucket   = "arrivals"
	defaultStatusBucket    = "arrivals"
	defaultManifestBucket  = "manifests"
	defaultAlertBufferSize = 256
	defaultAlertTimeout    = 10 * time.Second
)

// Backpressure policies for a full job queue.
const (
	BackpressureBlock  = "block"
	BackpressureReject = "reject"
)

// Defaults returns a Config populated with default values only.
func Defaults() *Config {
	return &Config{
		Address:   defaultAddress,
		SignedTTL: defaultSignedTTL,
		Gather: GatherConfig{
			CheckInterval:  defaultCheckInterval,
			QuietTimeout:   defaultQuietTimeout,
			MaxBatchWindow: defaultMaxBatchWindow,
		},
		Workers: WorkerConfig{
			Count:        defaultWorkerCount,
			Backpressure: defaultBackpressure,
			MaxAttempts:  defaultMaxAttempts,
			PollInterval: defaultPollInterval,
			PopTimeout:   defaultPopTimeout,
		},
		Shutdown: ShutdownConfig{
			File:          defaultShutdownFile,
			CheckInterval: defaultShutdownCheck,
			DrainGrace:    defaultDrainGrace,
			JoinTimeout:   defaultJoinTimeout,
		},
		Arrivals: ArrivalConfig{Source: defaultArrivalSource, Dir: defaultArrivalDir},
		Status: StatusConfig{
			Source:       defaultStatusSource,
			Timeout:      defaultStatusTimeout,
			MarkerPrefix: defaultMarkerPrefix,
		},
		S3: S3Config{
			Region:         defaultS3Region,
			ArrivalBucket:  defaultArrivalBucket,
			StatusBucket:   defaultStatusBucket,
			ManifestBucket: defaultManifestBucket,
		},
		Redis: RedisConfig{Addr: defaultRedisAddr},
		Manifest: ManifestConfig{
			Sinks:  splitList(defaultManifestSinks),
			Dir:    defaultManifestDir,
			Prefix: defaultManifestPrefix,
		},
		Alerts: AlertConfig{Buffer: defaultAlertBufferSize, SendTimeout: defaultAlertTimeout},
	}
}

// Load builds the configuration. path may be empty; DROPWATCH_CONFIG is
// consulted in that case.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("DROPWATCH_CONFIG")
	}
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes over the defaults without reading the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Address = readEnv("DROPWATCH_ADDRESS", c.Address)
	c.LogLevel = readEnv("DROPWATCH_LOG_LEVEL", c.LogLevel)
	c.LogDevelopment = parseBool("DROPWATCH_LOG_DEVELOPMENT", c.LogDevelopment)
	c.SigningSecret = readEnv("DROPWATCH_SIGNING_SECRET", c.SigningSecret)
	c.SignedTTL = parseDuration("DROPWATCH_SIGNED_TTL", c.SignedTTL)

	c.Gather.CheckInterval = parseDuration("DROPWATCH_CHECK_INTERVAL", c.Gather.CheckInterval)
	c.Gather.QuietTimeout = parseDuration("DROPWATCH_QUIET_TIMEOUT", c.Gather.QuietTimeout)
	c.Gather.MaxBatchWindow = parseDuration("DROPWATCH_MAX_BATCH_WINDOW", c.Gather.MaxBatchWindow)
	c.Gather.MaxBatchFiles = parseInt("DROPWATCH_MAX_BATCH_FILES", c.Gather.MaxBatchFiles)
	c.Gather.Lookback = parseDuration("DROPWATCH_LOOKBACK", c.Gather.Lookback)

	c.Workers.Count = parseInt("DROPWATCH_WORKERS", c.Workers.Count)
	c.Workers.QueueSize = parseInt("DROPWATCH_QUEUE_SIZE", c.Workers.QueueSize)
	c.Workers.Backpressure = readEnv("DROPWATCH_BACKPRESSURE", c.Workers.Backpressure)
	c.Workers.MaxAttempts = parseInt("DROPWATCH_MAX_ATTEMPTS", c.Workers.MaxAttempts)
	c.Workers.PollInterval = parseDuration("DROPWATCH_POLL_INTERVAL", c.Workers.PollInterval)
	c.Workers.PopTimeout = parseDuration("DROPWATCH_POP_TIMEOUT", c.Workers.PopTimeout)

	c.Shutdown.File = readEnv("DROPWATCH_SHUTDOWN_FILE", c.Shutdown.File)
	c.Shutdown.CheckInterval = parseDuration("DROPWATCH_SHUTDOWN_CHECK_INTERVAL", c.Shutdown.CheckInterval)
	c.Shutdown.DrainGrace = parseDuration("DROPWATCH_DRAIN_GRACE", c.Shutdown.DrainGrace)
	c.Shutdown.JoinTimeout = parseDuration("DROPWATCH_JOIN_TIMEOUT", c.Shutdown.JoinTimeout)

	c.Arrivals.Source = readEnv("DROPWATCH_ARRIVAL_SOURCE", c.Arrivals.Source)
	c.Arrivals.Dir = readEnv("DROPWATCH_ARRIVAL_DIR", c.Arrivals.Dir)
	c.Arrivals.Prefix = readEnv("DROPWATCH_ARRIVAL_PREFIX", c.Arrivals.Prefix)
	c.Arrivals.IncludePatterns = parseList("DROPWATCH_INCLUDE", c.Arrivals.IncludePatterns)

	c.Status.Source = readEnv("DROPWATCH_STATUS_SOURCE", c.Status.Source)
	c.Status.URL = readEnv("DROPWATCH_STATUS_URL", c.Status.URL)
	c.Status.Timeout = parseDuration("DROPWATCH_STATUS_TIMEOUT", c.Status.Timeout)
	c.Status.MarkerPrefix = readEnv("DROPWATCH_STATUS_MARKER_PREFIX", c.Status.MarkerPrefix)

	c.S3.Endpoint = readEnv("DROPWATCH_S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = readEnv("DROPWATCH_S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = readEnv("DROPWATCH_S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.UseSSL = parseBool("DROPWATCH_S3_USE_SSL", c.S3.UseSSL)
	c.S3.Region = readEnv("DROPWATCH_S3_REGION", c.S3.Region)
	c.S3.ArrivalBucket = readEnv("DROPWATCH_S3_ARRIVAL_BUCKET", c.S3.ArrivalBucket)
	c.S3.StatusBucket = readEnv("DROPWATCH_S3_STATUS_BUCKET", c.S3.StatusBucket)
	c.S3.ManifestBucket = readEnv("DROPWATCH_S3_MANIFEST_BUCKET", c.S3.ManifestBucket)

	c.Redis.Addr = readEnv("DROPWATCH_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = readEnv("DROPWATCH_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = parseInt("DROPWATCH_REDIS_DB", c.Redis.DB)

	c.DatabaseURL = readEnv("DROPWATCH_DATABASE_URL", c.DatabaseURL)

	c.Manifest.Sinks = parseList("DROPWATCH_MANIFEST_SINKS", c.Manifest.Sinks)
	c.Manifest.Dir = readEnv("DROPWATCH_MANIFEST_DIR", c.Manifest.Dir)
	c.Manifest.Prefix = readEnv("DROPWATCH_MANIFEST_PREFIX", c.Manifest.Prefix)

	c.Alerts.SlackWebhook = readEnv("DROPWATCH_SLACK_WEBHOOK", c.Alerts.SlackWebhook)
	c.Alerts.SlackChannel = readEnv("DROPWATCH_SLACK_CHANNEL", c.Alerts.SlackChannel)
	c.Alerts.DiscordWebhook = readEnv("DROPWATCH_DISCORD_WEBHOOK", c.Alerts.DiscordWebhook)
}

// applyDefaults clamps non-positive values back to their defaults.
func (c *Config) applyDefaults() {
	if c.Gather.CheckInterval <= 0 {
		c.Gather.CheckInterval = defaultCheckInterval
	}
	if c.Gather.QuietTimeout <= 0 {
		c.Gather.QuietTimeout = defaultQuietTimeout
	}
	if c.Gather.MaxBatchWindow < 0 {
		c.Gather.MaxBatchWindow = 0
	}
	if c.Gather.MaxBatchFiles < 0 {
		c.Gather.MaxBatchFiles = 0
	}
	if c.Workers.Count <= 0 {
		c.Workers.Count = defaultWorkerCount
	}
	if c.Workers.QueueSize <= 0 {
		c.Workers.QueueSize = c.Workers.Count * 4
	}
	if c.Workers.Backpressure == "" {
		c.Workers.Backpressure = defaultBackpressure
	}
	if c.Workers.MaxAttempts <= 0 {
		c.Workers.MaxAttempts = defaultMaxAttempts
	}
	if c.Workers.PollInterval <= 0 {
		c.Workers.PollInterval = defaultPollInterval
	}
	if c.Workers.PopTimeout <= 0 {
		c.Workers.PopTimeout = defaultPopTimeout
	}
	if c.Shutdown.File == "" {
		c.Shutdown.File = defaultShutdownFile
	}
	if c.Shutdown.CheckInterval <= 0 {
		c.Shutdown.CheckInterval = defaultShutdownCheck
	}
	if c.Shutdown.DrainGrace < 0 {
		c.Shutdown.DrainGrace = 0
	}
	if c.Shutdown.JoinTimeout <= 0 {
		c.Shutdown.JoinTimeout = defaultJoinTimeout
	}
	if c.Status.Timeout <= 0 {
		c.Status.Timeout = defaultStatusTimeout
	}
	if c.SignedTTL <= 0 {
		c.SignedTTL = defaultSignedTTL
	}
	if c.SigningSecret == "" {
		c.SigningSecret = randomSecret()
		c.SecretGenerated = true
	}
	if c.Alerts.Buffer <= 0 {
		c.Alerts.Buffer = defaultAlertBufferSize
	}
	if c.Alerts.SendTimeout <= 0 {
		c.Alerts.SendTimeout = defaultAlertTimeout
	}
}

func (c *Config) validate() error {
	var errs []string
	switch c.Workers.Backpressure {
	case BackpressureBlock, BackpressureReject:
	default:
		errs = append(errs, fmt.Sprintf("workers.backpressure %q must be block or reject", c.Workers.Backpressure))
	}
	switch c.Arrivals.Source {
	case "dir", "s3":
	default:
		errs = append(errs, fmt.Sprintf("arrivals.source %q must be dir or s3", c.Arrivals.Source))
	}
	switch c.Status.Source {
	case "http", "s3":
	default:
		errs = append(errs, fmt.Sprintf("status.source %q must be http or s3", c.Status.Source))
	}
	for _, s := range c.Manifest.Sinks {
		switch s {
		case "file", "s3", "postgres", "queue":
		default:
			errs = append(errs, fmt.Sprintf("manifest sink %q is unknown", s))
		}
	}
	for _, p := range c.Arrivals.IncludePatterns {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, "arrivals.include_patterns contains an empty pattern")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// UsesS3 reports whether any component needs the S3 client.
func (c *Config) UsesS3() bool {
	if c.Arrivals.Source == "s3" || c.Status.Source == "s3" {
		return true
	}
	return c.HasManifestSink("s3")
}

// HasManifestSink reports whether name is among the configured manifest sinks.
func (c *Config) HasManifestSink(name string) bool {
	for _, s := range c.Manifest.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseList(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	return splitList(v)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return fmt.Sprintf("%x", buf)
}
