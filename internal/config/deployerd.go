package config

import "time"

// Config holds runtime configuration for the deployer daemon.
type Config struct {
	Environment   string
	LogLevel      string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	DockerHost         string
	StaticVolumeRoot   string
	ProxyContainerName string
	KeepReleases       int

	ReconcileInterval time.Duration
	HelperMaxAge      time.Duration

	MonitorInterval     time.Duration
	MonitorInitialDelay time.Duration
	StuckAfter          time.Duration
	HTTPProbeTimeout    time.Duration

	SweepLockRedisAddr string
	SweepLockRedisPass string
	SweepLockRedisDB   int
	SweepLockTTL       time.Duration

	LogBuffer int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:   GetString("APP_ENV", "development"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		Addr:          GetString("DEPLOYERD_ADDR", ":4100"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://deployer:deployer@db:5432/deployer?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		DockerHost:         GetString("DOCKER_HOST_OVERRIDE", ""),
		StaticVolumeRoot:   GetString("STATIC_VOLUME_ROOT", "/var/lib/deployer/static"),
		ProxyContainerName: GetString("PROXY_CONTAINER_NAME", ""),
		KeepReleases:       GetInt("KEEP_RELEASES", 5),

		ReconcileInterval: GetDuration("RECONCILE_INTERVAL", time.Hour),
		HelperMaxAge:      GetDuration("HELPER_MAX_AGE", time.Hour),

		MonitorInterval:     GetDuration("MONITOR_INTERVAL", 2*time.Minute),
		MonitorInitialDelay: GetDuration("MONITOR_INITIAL_DELAY", 30*time.Second),
		StuckAfter:          GetDuration("STUCK_AFTER", 5*time.Minute),
		HTTPProbeTimeout:    GetDuration("HTTP_PROBE_TIMEOUT", 10*time.Second),

		SweepLockRedisAddr: GetString("SWEEP_LOCK_REDIS_ADDR", ""),
		SweepLockRedisPass: GetString("SWEEP_LOCK_REDIS_PASSWORD", ""),
		SweepLockRedisDB:   GetInt("SWEEP_LOCK_REDIS_DB", 0),
		SweepLockTTL:       GetDuration("SWEEP_LOCK_TTL", 5*time.Minute),

		LogBuffer: GetInt("WS_LOG_BUFFER", 100),
	}
}
