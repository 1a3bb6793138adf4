package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации шлюза и консоли.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	State     StateConfig     `mapstructure:"state"`
	Lanes     LanesConfig     `mapstructure:"lanes"`
	SubAgents SubAgentsConfig `mapstructure:"subagents"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Isolation IsolationConfig `mapstructure:"isolation"`
	Console   ConsoleConfig   `mapstructure:"console"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// GRPCConfig — порт служебного gRPC (health, reflection). 0 = выключен.
type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseConfig описывает подключение к PostgreSQL (журнал аудита).
// Пустой URL = аудит пишется только в лог.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и состояние).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для Console API
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// StateConfig выбирает хранилище состояния управления: memory, redis или sqlite.
type StateConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	RedisHash  string `mapstructure:"redis_hash"`
}

type LanesConfig struct {
	ParallelSize  int           `mapstructure:"parallel_size"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`
	LockMaxHold   time.Duration `mapstructure:"lock_max_hold"` // Дольше внешний захват линии не держится
	WaitTimeout   time.Duration `mapstructure:"wait_timeout"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type SubAgentsConfig struct {
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	HistoryLimit   int           `mapstructure:"history_limit"`
}

type ScannerConfig struct {
	BlockOnHigh        bool          `mapstructure:"block_on_high"`
	RapidFireThreshold int           `mapstructure:"rapid_fire_threshold"`
	RapidFireWindow    time.Duration `mapstructure:"rapid_fire_window"`
	ConstitutionRules  []string      `mapstructure:"constitution_rules"`
	ProfileSaveEvery   time.Duration `mapstructure:"profile_save_every"`

	// Поведенческие пороги, 0 = значение сканера по умолчанию
	OutlierFactor         float64 `mapstructure:"outlier_factor"`
	OutlierMinLength      int     `mapstructure:"outlier_min_length"`
	ChronicBlockRate      float64 `mapstructure:"chronic_block_rate"`
	ChronicMinInvocations int64   `mapstructure:"chronic_min_invocations"`
}

// EngineConfig содержит настройки пайплайна и надежности вызова инструментов.
type EngineConfig struct {
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`

	// Лимитер и Circuit Breaker на каждый инструмент
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
	RetryAttempts uint          `mapstructure:"retry_attempts"`
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBMaxFailures uint32        `mapstructure:"cb_max_failures"`

	GuardrailPatterns []string `mapstructure:"guardrail_patterns"`
}

// ToolsConfig — статическая классификация инструментов и настройки плагинов.
type ToolsConfig struct {
	DangerTiers map[string]string            `mapstructure:"danger_tiers"` // tool_id -> SAFE|APPROVAL_REQUIRED|OWNER_ONLY|BLOCKED
	Settings    map[string]map[string]string `mapstructure:"settings"`
}

// IsolationConfig — добавки к встроенным запретам каждого уровня изоляции.
// Пустые списки оставляют только встроенные запреты.
type IsolationConfig struct {
	Minimal  []string `mapstructure:"minimal"`
	Standard []string `mapstructure:"standard"`
	Strict   []string `mapstructure:"strict"`
}

type ConsoleConfig struct {
	Port          int    `mapstructure:"port"`
	AdminUser     string `mapstructure:"admin_user"`
	AdminPassHash string `mapstructure:"admin_pass_hash"` // bcrypt
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// Сначала проверяем, не лежит ли сам PEM-ключ в ENV (для Docker/K8s)
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ловит ошибки конфигурации, которые иначе всплывут только в рантайме.
func (c *Config) Validate() error {
	switch c.State.Driver {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("state.driver must be memory, redis or sqlite, got %q", c.State.Driver)
	}
	if c.State.Driver == "sqlite" && c.State.SQLitePath == "" {
		return fmt.Errorf("state.sqlite_path is required for sqlite driver")
	}
	if c.Lanes.ParallelSize < 1 {
		return fmt.Errorf("lanes.parallel_size must be positive")
	}
	if c.SubAgents.MaxConcurrent < 1 {
		return fmt.Errorf("subagents.max_concurrent must be positive")
	}
	if c.Auth.Enabled && len(c.Auth.PublicKey) == 0 {
		return fmt.Errorf("auth is enabled but no public key is configured")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 70*time.Second)
	v.SetDefault("grpc.port", 9090)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("state.driver", "memory")
	v.SetDefault("state.sqlite_path", "toolgate.db")
	v.SetDefault("state.redis_hash", RedisKeyState)

	v.SetDefault("lanes.parallel_size", 4)
	v.SetDefault("lanes.lock_timeout", 10*time.Second)
	v.SetDefault("lanes.lock_max_hold", time.Minute)
	v.SetDefault("lanes.wait_timeout", 60*time.Second)
	v.SetDefault("lanes.shutdown_grace", 10*time.Second)

	v.SetDefault("subagents.max_concurrent", 8)
	v.SetDefault("subagents.default_timeout", 60*time.Second)
	v.SetDefault("subagents.sweep_interval", 30*time.Second)
	v.SetDefault("subagents.history_limit", 256)

	v.SetDefault("scanner.block_on_high", false)
	v.SetDefault("scanner.rapid_fire_threshold", 10)
	v.SetDefault("scanner.rapid_fire_window", 500*time.Millisecond)
	v.SetDefault("scanner.profile_save_every", time.Minute)
	v.SetDefault("scanner.outlier_factor", 3.0)
	v.SetDefault("scanner.outlier_min_length", 500)
	v.SetDefault("scanner.chronic_block_rate", 0.3)
	v.SetDefault("scanner.chronic_min_invocations", 10)

	v.SetDefault("engine.default_timeout", 30*time.Second)
	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
	v.SetDefault("engine.rate_limit", 100.0)
	v.SetDefault("engine.rate_burst", 20)
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.cb_max_requests", 3)
	v.SetDefault("engine.cb_interval", 5*time.Second)
	v.SetDefault("engine.cb_timeout", 30*time.Second)
	v.SetDefault("engine.cb_max_failures", 5)

	v.SetDefault("console.port", 8081)
	v.SetDefault("console.admin_user", "admin")
}

func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
