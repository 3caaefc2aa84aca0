package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	JWT         JWTConfig         `yaml:"jwt"`
	Redis       RedisConfig       `yaml:"redis"`
	Collector   CollectorConfig   `yaml:"collector"`
	Aggregation AggregationConfig `yaml:"aggregation"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type JWTConfig struct {
	Secret     string `yaml:"secret"`
	ExpireHour int    `yaml:"expire_hour"`
}

// RedisConfig for the optional async usage queue
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CollectorConfig tunes the usage ingress path.
type CollectorConfig struct {
	MaxBatchSize int     `yaml:"max_batch_size"`
	IngestRPS    float64 `yaml:"ingest_rps"`
	IngestBurst  int     `yaml:"ingest_burst"`
}

// AggregationConfig tunes the scheduled statistics rollup.
type AggregationConfig struct {
	CronSpec      string `yaml:"cron_spec"`      // incremental aggregation schedule
	LagSeconds    int    `yaml:"lag_seconds"`    // window upper bound trails now by this much
	RetentionDays int    `yaml:"retention_days"` // statistics rows expire after this
	CleanupSpec   string `yaml:"cleanup_spec"`   // expiry schedule
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	var cfg *Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg = DefaultConfig()
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, err
		}
		cfg = &fileCfg
	}

	cfg.applyDefaults()
	cfg.overrideFromEnv()
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "tokengate.db",
		},
		JWT: JWTConfig{
			Secret:     "tokengate-secret-key-change-in-production",
			ExpireHour: 24,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Collector: CollectorConfig{
			MaxBatchSize: 100,
			IngestRPS:    50,
			IngestBurst:  100,
		},
		Aggregation: AggregationConfig{
			CronSpec:      "*/5 * * * *",
			LagSeconds:    60,
			RetentionDays: 365,
			CleanupSpec:   "30 3 * * *",
		},
	}
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == "" {
		c.Server.Port = def.Server.Port
	}
	if c.Server.Mode == "" {
		c.Server.Mode = def.Server.Mode
	}
	if c.Database.Driver == "" {
		c.Database = def.Database
	}
	if c.JWT.Secret == "" {
		c.JWT.Secret = def.JWT.Secret
	}
	if c.JWT.ExpireHour == 0 {
		c.JWT.ExpireHour = def.JWT.ExpireHour
	}
	if c.Collector.MaxBatchSize == 0 {
		c.Collector.MaxBatchSize = def.Collector.MaxBatchSize
	}
	if c.Collector.IngestRPS == 0 {
		c.Collector.IngestRPS = def.Collector.IngestRPS
	}
	if c.Collector.IngestBurst == 0 {
		c.Collector.IngestBurst = def.Collector.IngestBurst
	}
	if c.Aggregation.CronSpec == "" {
		c.Aggregation.CronSpec = def.Aggregation.CronSpec
	}
	if c.Aggregation.LagSeconds == 0 {
		c.Aggregation.LagSeconds = def.Aggregation.LagSeconds
	}
	if c.Aggregation.RetentionDays == 0 {
		c.Aggregation.RetentionDays = def.Aggregation.RetentionDays
	}
	if c.Aggregation.CleanupSpec == "" {
		c.Aggregation.CleanupSpec = def.Aggregation.CleanupSpec
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if spec := os.Getenv("AGGREGATION_CRON"); spec != "" {
		c.Aggregation.CronSpec = spec
	}
	if days := os.Getenv("STATS_RETENTION_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil && n > 0 {
			c.Aggregation.RetentionDays = n
		}
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		// Password format: :password or user:password
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
