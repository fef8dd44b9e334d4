package config

const (
	EnvPrefix = "VEHICLEHEALTH"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv          = "VEHICLEHEALTH_APP_ENV"
	EnvPort            = "VEHICLEHEALTH_APP_PORT"
	EnvLogLevel        = "VEHICLEHEALTH_LOG_LEVEL"
	EnvDBPath          = "VEHICLEHEALTH_DB_PATH"
	EnvRemoteDSN       = "VEHICLEHEALTH_REMOTE_DSN"
	EnvRedisURL        = "VEHICLEHEALTH_REDIS_URL"
	EnvGCSBucket       = "VEHICLEHEALTH_GCS_BUCKET_NAME"
	EnvSyncWorkers     = "VEHICLEHEALTH_SYNC_WORKERS"
	EnvSyncMaxAttempts = "VEHICLEHEALTH_SYNC_MAX_ATTEMPTS"
	EnvSyncInterval    = "VEHICLEHEALTH_SYNC_INTERVAL"
	EnvRetentionWindow = "VEHICLEHEALTH_RETENTION_WINDOW"
	EnvAnthropicAPIKey = "VEHICLEHEALTH_ANTHROPIC_API_KEY"
)
