package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App        AppConfig
	Service    ServiceConfig
	DB         DBConfig
	Remote     RemoteConfig
	Redis      RedisConfig
	GCP        GCPConfig
	GCS        GCSConfig
	Media      MediaConfig
	Sync       SyncConfig
	Retention  RetentionConfig
	Enrichment EnrichmentConfig
	Scoring    ScoringConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"VEHICLEHEALTH_APP_ENV" required:"true"`
	Port         string `envconfig:"VEHICLEHEALTH_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"VEHICLEHEALTH_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"VEHICLEHEALTH_LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool   `envconfig:"VEHICLEHEALTH_AUTO_MIGRATE" default:"true"`

	// CORSOrigins is a comma separated allow list; empty uses the dev origins.
	CORSOrigins       []string      `envconfig:"VEHICLEHEALTH_CORS_ORIGINS"`
	ReadHeaderTimeout time.Duration `envconfig:"VEHICLEHEALTH_HTTP_READ_HEADER_TIMEOUT" default:"10s"`
	ShutdownTimeout   time.Duration `envconfig:"VEHICLEHEALTH_HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"VEHICLEHEALTH_SERVICE_KIND" default:"api"`
}

// DBConfig describes the local SQLite record store.
type DBConfig struct {
	Path            string        `envconfig:"VEHICLEHEALTH_DB_PATH" default:"data/vehiclehealth.db"`
	MaxOpenConns    int           `envconfig:"VEHICLEHEALTH_DB_MAX_OPEN_CONNS" default:"1"`
	MaxIdleConns    int           `envconfig:"VEHICLEHEALTH_DB_MAX_IDLE_CONNS" default:"1"`
	ConnMaxLifetime time.Duration `envconfig:"VEHICLEHEALTH_DB_CONN_MAX_LIFETIME" default:"0"`
	BusyTimeout     time.Duration `envconfig:"VEHICLEHEALTH_DB_BUSY_TIMEOUT" default:"5s"`
}

// RemoteConfig describes the remote structured store. An empty DSN disables
// remote sync entirely.
type RemoteConfig struct {
	DSN             string        `envconfig:"VEHICLEHEALTH_REMOTE_DSN"`
	MaxOpenConns    int           `envconfig:"VEHICLEHEALTH_REMOTE_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `envconfig:"VEHICLEHEALTH_REMOTE_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"VEHICLEHEALTH_REMOTE_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"VEHICLEHEALTH_REMOTE_CONN_MAX_IDLE_TIME" default:"10m"`
}

func (r RemoteConfig) Enabled() bool {
	return strings.TrimSpace(r.DSN) != ""
}

type RedisConfig struct {
	URL          string        `envconfig:"VEHICLEHEALTH_REDIS_URL"`
	Address      string        `envconfig:"VEHICLEHEALTH_REDIS_ADDR"`
	Password     string        `envconfig:"VEHICLEHEALTH_REDIS_PASSWORD"`
	DB           int           `envconfig:"VEHICLEHEALTH_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"VEHICLEHEALTH_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"VEHICLEHEALTH_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"VEHICLEHEALTH_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"VEHICLEHEALTH_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"VEHICLEHEALTH_REDIS_WRITE_TIMEOUT" default:"5s"`
}

func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Address != ""
}

type GCPConfig struct {
	ProjectID              string `envconfig:"VEHICLEHEALTH_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"VEHICLEHEALTH_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"VEHICLEHEALTH_GOOGLE_APPLICATION_CREDENTIALS"`
}

type GCSConfig struct {
	BucketName string `envconfig:"VEHICLEHEALTH_GCS_BUCKET_NAME"`
	// Endpoint overrides the storage JSON API host (emulators, tests).
	Endpoint   string `envconfig:"VEHICLEHEALTH_GCS_ENDPOINT" default:"https://storage.googleapis.com"`
	Prefix     string `envconfig:"VEHICLEHEALTH_GCS_PREFIX" default:"diagnostics"`

	// RequireReachable fails startup when the bucket cannot be reached.
	RequireReachable bool `envconfig:"VEHICLEHEALTH_GCS_REQUIRE_REACHABLE" default:"false"`
}

type MediaConfig struct {
	DataDir     string `envconfig:"VEHICLEHEALTH_MEDIA_DATA_DIR" default:"data/media"`
	MaxUploadMB int    `envconfig:"VEHICLEHEALTH_MAX_UPLOAD_MB" default:"200"`
	ZstdLevel   int    `envconfig:"VEHICLEHEALTH_MEDIA_ZSTD_LEVEL" default:"3"`
}

// MaxBytes returns the maximum accepted media size in bytes.
func (m MediaConfig) MaxBytes() int64 {
	if m.MaxUploadMB <= 0 {
		return 0
	}
	return int64(m.MaxUploadMB) << 20
}

type SyncConfig struct {
	Enabled        bool          `envconfig:"VEHICLEHEALTH_SYNC_ENABLED" default:"true"`
	Interval       time.Duration `envconfig:"VEHICLEHEALTH_SYNC_INTERVAL" default:"1m"`
	BatchSize      int           `envconfig:"VEHICLEHEALTH_SYNC_BATCH_SIZE" default:"50"`
	Workers        int           `envconfig:"VEHICLEHEALTH_SYNC_WORKERS" default:"4"`
	MaxAttempts    int           `envconfig:"VEHICLEHEALTH_SYNC_MAX_ATTEMPTS" default:"3"`
	BaseBackoff    time.Duration `envconfig:"VEHICLEHEALTH_SYNC_BASE_BACKOFF" default:"500ms"`
	MaxBackoff     time.Duration `envconfig:"VEHICLEHEALTH_SYNC_MAX_BACKOFF" default:"30s"`
	RetryDelay     time.Duration `envconfig:"VEHICLEHEALTH_SYNC_RETRY_DELAY" default:"5m"`
	NetworkTimeout time.Duration `envconfig:"VEHICLEHEALTH_SYNC_NETWORK_TIMEOUT" default:"30s"`
	PullPageSize   int           `envconfig:"VEHICLEHEALTH_SYNC_PULL_PAGE_SIZE" default:"100"`
}

type RetentionConfig struct {
	Window              time.Duration `envconfig:"VEHICLEHEALTH_RETENTION_WINDOW" default:"168h"`
	SweepInterval       time.Duration `envconfig:"VEHICLEHEALTH_RETENTION_SWEEP_INTERVAL" default:"15m"`
	BatchSize           int           `envconfig:"VEHICLEHEALTH_RETENTION_BATCH_SIZE" default:"200"`
	RemoteDeleteTimeout time.Duration `envconfig:"VEHICLEHEALTH_RETENTION_REMOTE_DELETE_TIMEOUT" default:"10s"`
	StuckAfter          time.Duration `envconfig:"VEHICLEHEALTH_RETENTION_STUCK_AFTER" default:"24h"`
}

type EnrichmentConfig struct {
	APIKey    string        `envconfig:"VEHICLEHEALTH_ANTHROPIC_API_KEY"`
	Model     string        `envconfig:"VEHICLEHEALTH_ENRICHMENT_MODEL" default:"claude-sonnet-4-5"`
	MaxTokens int64         `envconfig:"VEHICLEHEALTH_ENRICHMENT_MAX_TOKENS" default:"1024"`
	Timeout   time.Duration `envconfig:"VEHICLEHEALTH_ENRICHMENT_TIMEOUT" default:"20s"`
	// RatePerMinute bounds outbound enrichment calls; MaxConcurrent bounds
	// in-flight ones.
	RatePerMinute int `envconfig:"VEHICLEHEALTH_ENRICHMENT_RATE_PER_MINUTE" default:"30"`
	MaxConcurrent int `envconfig:"VEHICLEHEALTH_ENRICHMENT_MAX_CONCURRENT" default:"2"`
}

func (e EnrichmentConfig) Enabled() bool {
	return strings.TrimSpace(e.APIKey) != ""
}

type ScoringConfig struct {
	// RulesPath points at a YAML rule table; empty uses the embedded default.
	RulesPath string `envconfig:"VEHICLEHEALTH_SCORING_RULES_PATH"`
}

func (c *Config) validate() error {
	if c.Retention.Window <= 0 {
		return fmt.Errorf("%s must be positive", EnvRetentionWindow)
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("%s must be positive", EnvSyncWorkers)
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("%s must be positive", EnvSyncMaxAttempts)
	}
	if c.Remote.Enabled() && c.GCS.BucketName == "" {
		return fmt.Errorf("%s is required when %s is set", EnvGCSBucket, EnvRemoteDSN)
	}
	return nil
}
