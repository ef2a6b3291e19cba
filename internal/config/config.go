package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// SpeedFog Racing - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Room     RoomConfig     `yaml:"room"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Notify   NotifyConfig   `yaml:"notify"`
	Security SecurityConfig `yaml:"security"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig is the pgx/v5 connection pool config (C1).
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxConns     int    `yaml:"max_conns"`
	MinConns     int    `yaml:"min_conns"`
	BootstrapDDL bool   `yaml:"bootstrap_ddl"`
}

// RedisConfig backs cross-process room presence (I7) and the seed-pool SPOP
// optimization (C8). Enabled is false by default: single-instance operation
// never requires Redis.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RoomConfig controls the room registry's timing (spec.md §5).
type RoomConfig struct {
	SendTimeoutSec        int `yaml:"send_timeout_sec"`         // per-send timeout (spec: 5s)
	HeartbeatSec          int `yaml:"heartbeat_sec"`            // mod ping interval (spec: 30s)
	ModAuthTimeoutSec     int `yaml:"mod_auth_timeout_sec"`     // spec: 5s
	SpectatorAuthGraceSec int `yaml:"spectator_auth_grace_sec"` // spec: 2s
	StatusThrottleMs      int `yaml:"status_throttle_ms"`       // spec: ~1s coalescing window
}

// MonitorConfig controls the background sweep (spec.md §4.10).
type MonitorConfig struct {
	IntervalSec          int `yaml:"interval_sec"`           // spec: 60s
	InactivityTimeoutMin int `yaml:"inactivity_timeout_min"` // spec: 15min
	NoShowTimeoutMin     int `yaml:"no_show_timeout_min"`    // spec: 15min
}

// NotifyConfig sizes the fire-and-forget webhook dispatcher.
type NotifyConfig struct {
	WorkerCount        int `yaml:"worker_count"`
	DeliveryTimeoutSec int `yaml:"delivery_timeout_sec"`
}

type SecurityConfig struct {
	ModTokenPepper string `yaml:"mod_token_pepper"`
}

func (c ServerConfig) ReadTimeout() time.Duration  { return time.Duration(c.ReadTimeoutSec) * time.Second }
func (c ServerConfig) WriteTimeout() time.Duration { return time.Duration(c.WriteTimeoutSec) * time.Second }
func (c ServerConfig) IdleTimeout() time.Duration  { return time.Duration(c.IdleTimeoutSec) * time.Second }
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

func (c RoomConfig) SendTimeout() time.Duration { return time.Duration(c.SendTimeoutSec) * time.Second }
func (c RoomConfig) Heartbeat() time.Duration   { return time.Duration(c.HeartbeatSec) * time.Second }
func (c RoomConfig) ModAuthTimeout() time.Duration {
	return time.Duration(c.ModAuthTimeoutSec) * time.Second
}
func (c RoomConfig) SpectatorAuthGrace() time.Duration {
	return time.Duration(c.SpectatorAuthGraceSec) * time.Second
}
func (c RoomConfig) StatusThrottle() time.Duration {
	return time.Duration(c.StatusThrottleMs) * time.Millisecond
}

func (c MonitorConfig) Interval() time.Duration { return time.Duration(c.IntervalSec) * time.Second }
func (c MonitorConfig) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMin) * time.Minute
}
func (c MonitorConfig) NoShowTimeout() time.Duration {
	return time.Duration(c.NoShowTimeoutMin) * time.Minute
}

func (c NotifyConfig) DeliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeoutSec) * time.Second
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from YAML file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("SPEEDFOG_ENV", c.Server.Env)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeoutSec = v
	}

	c.Database.DSN = getEnv("DATABASE_URL", c.Database.DSN)
	if v := getEnvInt("DB_MAX_CONNS", 0); v > 0 {
		c.Database.MaxConns = v
	}
	if v := getEnvInt("DB_MIN_CONNS", 0); v > 0 {
		c.Database.MinConns = v
	}
	c.Database.BootstrapDDL = getEnvBool("DB_BOOTSTRAP_DDL", c.Database.BootstrapDDL)

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		c.Redis.DB = v
	}

	if v := getEnvInt("ROOM_SEND_TIMEOUT_SEC", 0); v > 0 {
		c.Room.SendTimeoutSec = v
	}
	if v := getEnvInt("ROOM_HEARTBEAT_SEC", 0); v > 0 {
		c.Room.HeartbeatSec = v
	}
	if v := getEnvInt("ROOM_MOD_AUTH_TIMEOUT_SEC", 0); v > 0 {
		c.Room.ModAuthTimeoutSec = v
	}
	if v := getEnvInt("ROOM_SPECTATOR_AUTH_GRACE_SEC", 0); v > 0 {
		c.Room.SpectatorAuthGraceSec = v
	}
	if v := getEnvInt("ROOM_STATUS_THROTTLE_MS", 0); v > 0 {
		c.Room.StatusThrottleMs = v
	}

	if v := getEnvInt("MONITOR_INTERVAL_SEC", 0); v > 0 {
		c.Monitor.IntervalSec = v
	}
	if v := getEnvInt("MONITOR_INACTIVITY_TIMEOUT_MIN", 0); v > 0 {
		c.Monitor.InactivityTimeoutMin = v
	}
	if v := getEnvInt("MONITOR_NO_SHOW_TIMEOUT_MIN", 0); v > 0 {
		c.Monitor.NoShowTimeoutMin = v
	}

	if v := getEnvInt("NOTIFY_WORKER_COUNT", 0); v > 0 {
		c.Notify.WorkerCount = v
	}
	if v := getEnvInt("NOTIFY_DELIVERY_TIMEOUT_SEC", 0); v > 0 {
		c.Notify.DeliveryTimeoutSec = v
	}

	c.Security.ModTokenPepper = getEnv("MOD_TOKEN_PEPPER", c.Security.ModTokenPepper)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeoutSec == 0 {
		c.Server.ShutdownTimeoutSec = 30
	}

	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = 2
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	if c.Room.SendTimeoutSec == 0 {
		c.Room.SendTimeoutSec = 5
	}
	if c.Room.HeartbeatSec == 0 {
		c.Room.HeartbeatSec = 30
	}
	if c.Room.ModAuthTimeoutSec == 0 {
		c.Room.ModAuthTimeoutSec = 5
	}
	if c.Room.SpectatorAuthGraceSec == 0 {
		c.Room.SpectatorAuthGraceSec = 2
	}
	if c.Room.StatusThrottleMs == 0 {
		c.Room.StatusThrottleMs = 1000
	}

	if c.Monitor.IntervalSec == 0 {
		c.Monitor.IntervalSec = 60
	}
	if c.Monitor.InactivityTimeoutMin == 0 {
		c.Monitor.InactivityTimeoutMin = 15
	}
	if c.Monitor.NoShowTimeoutMin == 0 {
		c.Monitor.NoShowTimeoutMin = 15
	}

	if c.Notify.WorkerCount == 0 {
		c.Notify.WorkerCount = 4
	}
	if c.Notify.DeliveryTimeoutSec == 0 {
		c.Notify.DeliveryTimeoutSec = 10
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
