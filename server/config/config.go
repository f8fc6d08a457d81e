package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Device   DeviceConfig   `json:"device"`
	Transfer TransferConfig `json:"transfer"`
	Signal   SignalConfig   `json:"signal"`
	Model    ModelConfig    `json:"model"`
	Upload   UploadConfig   `json:"upload"`
	Security SecurityConfig `json:"security"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Logging  LoggingConfig  `json:"logging"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
}

// DeviceConfig tunes the wearable session: connection, polling, the
// serialized write queue and reconnection backoff.
type DeviceConfig struct {
	BridgeURL            string        `json:"bridge_url"`
	ConnectTimeout       time.Duration `json:"connect_timeout"`
	StatusPollInterval   time.Duration `json:"status_poll_interval"`
	QueuePollEvery       int           `json:"queue_poll_every"`
	WriteTimeout         time.Duration `json:"write_timeout"`
	DefaultMTU           int           `json:"default_mtu"`
	ControlBufferLimit   int           `json:"control_buffer_limit"`
	ReconnectBaseDelay   time.Duration `json:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `json:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `json:"reconnect_max_attempts"`
	ScanTimeout          time.Duration `json:"scan_timeout"`
}

// TransferConfig tunes the chunked binary download protocol.
type TransferConfig struct {
	HeaderWait       time.Duration `json:"header_wait"`
	StallBase        time.Duration `json:"stall_base"`
	StallPerBytes    int           `json:"stall_per_bytes"`
	StallCap         time.Duration `json:"stall_cap"`
	EndWait          time.Duration `json:"end_wait"`
	PartialThreshold float64       `json:"partial_threshold"`
}

type SignalConfig struct {
	PPGSampleRate   int           `json:"ppg_sample_rate"`
	AccelSampleRate int           `json:"accel_sample_rate"`
	WindowDuration  time.Duration `json:"window_duration"`
}

type ModelConfig struct {
	Path           string `json:"path"`
	TemporalWindow int    `json:"temporal_window"`
}

type UploadConfig struct {
	BaseURL    string        `json:"base_url"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
	Enabled    bool          `json:"enabled"`
}

type SecurityConfig struct {
	APISecretKey   string        `json:"api_secret_key"`
	AllowedOrigins []string      `json:"allowed_origins"`
	RateLimitRPS   int           `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
	MaxRequestSize int64         `json:"max_request_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https"`
	CertFile       string        `json:"cert_file"`
	KeyFile        string        `json:"key_file"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_connections"`
	MinConns int    `json:"min_connections"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	Output     string `json:"output"`
	MaxSize    int    `json:"max_size"`
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"`
}

func LoadConfig() *Config {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		Device: DeviceConfig{
			BridgeURL:            getEnv("DEVICE_BRIDGE_URL", "ws://localhost:9100/link"),
			ConnectTimeout:       getEnvAsDuration("DEVICE_CONNECT_TIMEOUT", 15*time.Second),
			StatusPollInterval:   getEnvAsDuration("DEVICE_STATUS_POLL_INTERVAL", 3*time.Second),
			QueuePollEvery:       getEnvAsInt("DEVICE_QUEUE_POLL_EVERY", 2),
			WriteTimeout:         getEnvAsDuration("DEVICE_WRITE_TIMEOUT", 5*time.Second),
			DefaultMTU:           getEnvAsInt("DEVICE_DEFAULT_MTU", 20),
			ControlBufferLimit:   getEnvAsInt("DEVICE_CONTROL_BUFFER_LIMIT", 8192),
			ReconnectBaseDelay:   getEnvAsDuration("DEVICE_RECONNECT_BASE_DELAY", 1*time.Second),
			ReconnectMaxDelay:    getEnvAsDuration("DEVICE_RECONNECT_MAX_DELAY", 15*time.Second),
			ReconnectMaxAttempts: getEnvAsInt("DEVICE_RECONNECT_MAX_ATTEMPTS", 10),
			ScanTimeout:          getEnvAsDuration("DEVICE_SCAN_TIMEOUT", 10*time.Second),
		},
		Transfer: TransferConfig{
			HeaderWait:       getEnvAsDuration("TRANSFER_HEADER_WAIT", 10*time.Second),
			StallBase:        getEnvAsDuration("TRANSFER_STALL_BASE", 30*time.Second),
			StallPerBytes:    getEnvAsInt("TRANSFER_STALL_PER_BYTES", 200),
			StallCap:         getEnvAsDuration("TRANSFER_STALL_CAP", 120*time.Second),
			EndWait:          getEnvAsDuration("TRANSFER_END_WAIT", 3*time.Second),
			PartialThreshold: getEnvAsFloat("TRANSFER_PARTIAL_THRESHOLD", 0.9),
		},
		Signal: SignalConfig{
			PPGSampleRate:   getEnvAsInt("SIGNAL_PPG_SAMPLE_RATE", 64),
			AccelSampleRate: getEnvAsInt("SIGNAL_ACCEL_SAMPLE_RATE", 32),
			WindowDuration:  getEnvAsDuration("SIGNAL_WINDOW_DURATION", 27*time.Second),
		},
		Model: ModelConfig{
			Path:           getEnv("MODEL_PATH", "model/risk_model.json"),
			TemporalWindow: getEnvAsInt("MODEL_TEMPORAL_WINDOW", 5),
		},
		Upload: UploadConfig{
			BaseURL:    getEnv("UPLOAD_BASE_URL", ""),
			Timeout:    getEnvAsDuration("UPLOAD_TIMEOUT", 30*time.Second),
			MaxRetries: getEnvAsInt("UPLOAD_MAX_RETRIES", 3),
			Enabled:    getEnvAsBool("UPLOAD_ENABLED", false),
		},
		Security: SecurityConfig{
			APISecretKey:   getEnv("API_SECRET_KEY", ""),
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 100),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 200),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 10*1024*1024), // 10MB
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
			EnableHTTPS:    getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "biolink"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			MaxSize:    getEnvAsInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 3),
			MaxAge:     getEnvAsInt("LOG_MAX_AGE", 28),
		},
	}

	return config
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if c.Device.BridgeURL == "" {
		errors = append(errors, "device bridge URL is required")
	}

	if c.Device.DefaultMTU < 20 {
		errors = append(errors, "device MTU must be at least 20")
	}

	if c.Device.QueuePollEvery < 1 {
		errors = append(errors, "queue poll cadence must be at least 1")
	}

	if c.Transfer.PartialThreshold < 0 || c.Transfer.PartialThreshold > 1 {
		errors = append(errors, "transfer partial threshold must be in [0,1]")
	}

	if c.Signal.PPGSampleRate <= 0 || c.Signal.AccelSampleRate <= 0 {
		errors = append(errors, "signal sample rates must be positive")
	}

	if c.Model.Path == "" {
		errors = append(errors, "model path is required")
	}

	if c.Model.TemporalWindow < 1 {
		errors = append(errors, "temporal window must be at least 1")
	}

	if c.Security.APISecretKey == "" {
		logger.Warn("API secret key not set, using random key")
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	if c.Database.Host == "" {
		errors = append(errors, "database host is required")
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		errors = append(errors, "database port must be between 1 and 65535")
	}

	if c.Redis.Host == "" {
		errors = append(errors, "Redis host is required")
	}

	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errors = append(errors, "Redis port must be between 1 and 65535")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}


func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
