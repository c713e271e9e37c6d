package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Config is the broker configuration file.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Broker        BrokerConfig        `yaml:"broker"`
	Channels      []ChannelConfig     `yaml:"channels"`
	RateLimit     RateLimitConfig     `yaml:"ratelimit"`
	Usage         UsageConfig         `yaml:"usage"`
	Storage       StorageConfig       `yaml:"storage"`
	Uploads       UploadsConfig       `yaml:"uploads"`
	Polling       PollingConfig       `yaml:"polling"`
	Auth          AuthConfig          `yaml:"auth"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	HTTPAddr          string        `yaml:"http_addr"`
	WorkerPath        string        `yaml:"worker_path"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type BrokerConfig struct {
	// DispatchConcurrency bounds in-flight dispatch units.
	DispatchConcurrency int `yaml:"dispatch_concurrency"`
	// SendBuffer is the per-worker outbound frame queue length.
	SendBuffer int `yaml:"send_buffer"`
	// DispatchTimeout bounds waiting for a dispatch slot plus the send.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	// RecordTTL is how long correlation records stay queryable.
	RecordTTL time.Duration `yaml:"record_ttl"`
	// MaxRecords caps the correlation table; the least recently used record goes first.
	MaxRecords int `yaml:"max_records"`
}

// Channel kinds.
const (
	KindPush = "push"
	KindPoll = "poll"
)

type ChannelConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Kind is "push" (websocket worker) or "poll" (third-party submit+poll API).
	Kind string `yaml:"kind"`
	// Cooldown is the per-requester minimum spacing between submissions.
	Cooldown time.Duration `yaml:"cooldown"`
	// Resource is the usage-quota class charged per submission. Empty disables quota.
	Resource string `yaml:"resource"`
	// TimeoutSeconds overrides polling.timeout_seconds for poll channels.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// DefaultModel overrides polling.default_model for poll channels.
	DefaultModel string `yaml:"default_model"`
	// EnabledResolutions restricts resolution presets for poll channels.
	EnabledResolutions []string `yaml:"enabled_resolutions"`
}

type RateLimitConfig struct {
	// DefaultCooldown applies to channels without their own cooldown.
	DefaultCooldown time.Duration `yaml:"default_cooldown"`
	MaxKeys         int           `yaml:"max_keys"`
}

type UsageConfig struct {
	Timezone string `yaml:"timezone"`
	// Tiers maps tier name to resource class to daily limit.
	Tiers map[string]map[string]int `yaml:"tiers"`
	Store UsageStoreConfig          `yaml:"store"`
}

type UsageStoreConfig struct {
	// Driver is memory, postgres, sqlite or redis.
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type StorageConfig struct {
	// Driver is s3 or local.
	Driver          string        `yaml:"driver"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PublicBaseURL   string        `yaml:"public_base_url"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	PresignTTL      time.Duration `yaml:"presign_ttl"`
	// LocalDir is the root for the local driver and for the fallback copy
	// written when the primary store rejects a proxied upload.
	LocalDir string `yaml:"local_dir"`
	// LocalBaseURL is the public prefix the local store serves files under.
	LocalBaseURL string `yaml:"local_base_url"`
}

type UploadsConfig struct {
	TokenSecret   string        `yaml:"token_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	MaxBytes      int64         `yaml:"max_bytes"`
	DefaultFolder string        `yaml:"default_folder"`
}

type PollingConfig struct {
	BaseURL            string        `yaml:"base_url"`
	TimeoutSeconds     int           `yaml:"timeout_seconds"`
	LockoutSeconds     int           `yaml:"lockout_seconds"`
	Credentials        []string      `yaml:"credentials"`
	DefaultModel       string        `yaml:"default_model"`
	EnabledResolutions []string      `yaml:"enabled_resolutions"`
	SubmitTimeout      time.Duration `yaml:"submit_timeout"`
	PollTimeout        time.Duration `yaml:"poll_timeout"`
	DownloadTimeout    time.Duration `yaml:"download_timeout"`
}

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Tier   string `yaml:"tier"`
	Admin  bool   `yaml:"admin"`
}

// MaintenanceConfig holds cron specs for the periodic sweeps. An empty spec
// disables that job.
type MaintenanceConfig struct {
	EvictRecords      string `yaml:"evict_records"`
	SweepPollJobs     string `yaml:"sweep_poll_jobs"`
	PruneUploadTokens string `yaml:"prune_upload_tokens"`
	PruneRateLimit    string `yaml:"prune_ratelimit"`
	PruneUsage        string `yaml:"prune_usage"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// tests and for running without a file.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = ":8080"
	}
	if cfg.Server.WorkerPath == "" {
		cfg.Server.WorkerPath = "/ws/worker"
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Broker.DispatchConcurrency == 0 {
		cfg.Broker.DispatchConcurrency = 64
	}
	if cfg.Broker.SendBuffer == 0 {
		cfg.Broker.SendBuffer = 64
	}
	if cfg.Broker.DispatchTimeout == 0 {
		cfg.Broker.DispatchTimeout = 30 * time.Second
	}
	if cfg.Broker.RecordTTL == 0 {
		cfg.Broker.RecordTTL = 24 * time.Hour
	}
	if cfg.Broker.MaxRecords == 0 {
		cfg.Broker.MaxRecords = 10000
	}

	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		if ch.Kind == "" {
			ch.Kind = KindPush
		}
		if ch.ID == "" {
			ch.ID = ch.Name
		}
		if ch.Resource == "" && ch.Kind == KindPush {
			ch.Resource = "websocket"
		}
	}

	if cfg.RateLimit.MaxKeys == 0 {
		cfg.RateLimit.MaxKeys = 10000
	}

	if cfg.Usage.Timezone == "" {
		cfg.Usage.Timezone = "Asia/Shanghai"
	}
	if len(cfg.Usage.Tiers) == 0 {
		cfg.Usage.Tiers = map[string]map[string]int{
			"standard": {"chat": 10, "websocket": 5},
			"pro":      {"chat": 100, "websocket": 50},
		}
	}
	if cfg.Usage.Store.Driver == "" {
		cfg.Usage.Store.Driver = "memory"
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "local"
	}
	if cfg.Storage.PresignTTL == 0 {
		cfg.Storage.PresignTTL = time.Hour
	}
	if cfg.Storage.LocalDir == "" {
		cfg.Storage.LocalDir = "data/results"
	}
	if cfg.Storage.LocalBaseURL == "" {
		cfg.Storage.LocalBaseURL = "/files"
	}

	if cfg.Uploads.TokenTTL == 0 {
		cfg.Uploads.TokenTTL = time.Hour
	}
	if cfg.Uploads.MaxBytes == 0 {
		cfg.Uploads.MaxBytes = 200 << 20
	}
	if cfg.Uploads.DefaultFolder == "" {
		cfg.Uploads.DefaultFolder = "ws_results"
	}

	if cfg.Polling.BaseURL == "" {
		cfg.Polling.BaseURL = "https://api-inference.modelscope.cn/"
	}
	if !strings.HasSuffix(cfg.Polling.BaseURL, "/") {
		cfg.Polling.BaseURL += "/"
	}
	if cfg.Polling.TimeoutSeconds == 0 {
		cfg.Polling.TimeoutSeconds = 300
	}
	if cfg.Polling.LockoutSeconds == 0 {
		cfg.Polling.LockoutSeconds = 240
	}
	if cfg.Polling.DefaultModel == "" {
		cfg.Polling.DefaultModel = "Tongyi-MAI/Z-Image-Turbo"
	}
	if len(cfg.Polling.EnabledResolutions) == 0 {
		cfg.Polling.EnabledResolutions = []string{"1024x1024"}
	}
	if cfg.Polling.SubmitTimeout == 0 {
		cfg.Polling.SubmitTimeout = 30 * time.Second
	}
	if cfg.Polling.PollTimeout == 0 {
		cfg.Polling.PollTimeout = 15 * time.Second
	}
	if cfg.Polling.DownloadTimeout == 0 {
		cfg.Polling.DownloadTimeout = 60 * time.Second
	}

	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	for i := range cfg.Auth.APIKeys {
		if cfg.Auth.APIKeys[i].Tier == "" {
			cfg.Auth.APIKeys[i].Tier = "standard"
		}
	}

	if cfg.Maintenance.EvictRecords == "" {
		cfg.Maintenance.EvictRecords = "@every 1m"
	}
	if cfg.Maintenance.SweepPollJobs == "" {
		cfg.Maintenance.SweepPollJobs = "@every 5m"
	}
	if cfg.Maintenance.PruneUploadTokens == "" {
		cfg.Maintenance.PruneUploadTokens = "@every 10m"
	}
	if cfg.Maintenance.PruneRateLimit == "" {
		cfg.Maintenance.PruneRateLimit = "@every 10m"
	}
	if cfg.Maintenance.PruneUsage == "" {
		cfg.Maintenance.PruneUsage = "@every 1h"
	}

	if cfg.Observability.Logging.Level == "" {
		cfg.Observability.Logging.Level = "info"
	}
	if cfg.Observability.Logging.Format == "" {
		cfg.Observability.Logging.Format = "json"
	}
}

var channelNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// Validate reports every problem in cfg as one error.
func (c *Config) Validate() error {
	var issues []string
	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}

	seenIDs := map[string]bool{}
	seenNames := map[string]bool{}
	for i, ch := range c.Channels {
		prefix := fmt.Sprintf("channels[%d]", i)
		if ch.Name == "" {
			issues = append(issues, prefix+".name is required")
		} else if !channelNamePattern.MatchString(ch.Name) {
			issues = append(issues, prefix+".name must match "+channelNamePattern.String())
		}
		if seenNames[ch.Name] {
			issues = append(issues, fmt.Sprintf("%s.name %q is not unique", prefix, ch.Name))
		}
		if seenIDs[ch.ID] {
			issues = append(issues, fmt.Sprintf("%s.id %q is not unique", prefix, ch.ID))
		}
		seenNames[ch.Name] = true
		seenIDs[ch.ID] = true
		if ch.Kind != KindPush && ch.Kind != KindPoll {
			issues = append(issues, fmt.Sprintf("%s.kind must be %q or %q", prefix, KindPush, KindPoll))
		}
		if ch.Cooldown < 0 {
			issues = append(issues, prefix+".cooldown must not be negative")
		}
		if ch.Resource != "" && !c.resourceKnown(ch.Resource) {
			issues = append(issues, fmt.Sprintf("%s.resource %q has no limit in any usage tier", prefix, ch.Resource))
		}
	}

	if _, err := time.LoadLocation(c.Usage.Timezone); err != nil {
		issues = append(issues, fmt.Sprintf("usage.timezone: %v", err))
	}
	switch c.Usage.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Usage.Store.DSN == "" {
			issues = append(issues, "usage.store.dsn is required for "+c.Usage.Store.Driver)
		}
	case "redis":
		if c.Usage.Store.RedisAddr == "" {
			issues = append(issues, "usage.store.redis_addr is required for redis")
		}
	default:
		issues = append(issues, fmt.Sprintf("usage.store.driver %q is not supported", c.Usage.Store.Driver))
	}

	switch c.Storage.Driver {
	case "local":
	case "s3":
		if c.Storage.Bucket == "" {
			issues = append(issues, "storage.bucket is required for s3")
		}
	default:
		issues = append(issues, fmt.Sprintf("storage.driver %q is not supported", c.Storage.Driver))
	}

	if len(c.Uploads.TokenSecret) > 0 && len(c.Uploads.TokenSecret) < 16 {
		issues = append(issues, "uploads.token_secret must be at least 16 bytes")
	}
	if c.Polling.LockoutSeconds > c.Polling.TimeoutSeconds {
		issues = append(issues, "polling.lockout_seconds must not exceed polling.timeout_seconds")
	}
	for i, key := range c.Auth.APIKeys {
		if key.Key == "" || key.UserID == "" {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d] needs key and user_id", i))
		}
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(issues, "; "))
	}
	return nil
}

func (c *Config) resourceKnown(resource string) bool {
	for _, limits := range c.Usage.Tiers {
		if _, ok := limits[resource]; ok {
			return true
		}
	}
	return false
}

// Channel returns the channel config with the given id.
func (c *Config) Channel(id string) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}

// ChannelByName returns the channel config with the given name.
func (c *Config) ChannelByName(name string) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}

// CooldownFor returns the effective cooldown of a channel.
func (c *Config) CooldownFor(ch ChannelConfig) time.Duration {
	if ch.Cooldown > 0 {
		return ch.Cooldown
	}
	return c.RateLimit.DefaultCooldown
}
