package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Server   ServerConfig
	Auth     AuthConfig
	Broker   BrokerConfig
	Gateway  GatewayConfig
	Buffer   BufferConfig
	Polling  PollingConfig
	Metrics  MetricsConfig
	LogLevel string
}

type ServerConfig struct {
	Port        int
	ReadTimeout int // Seconds, header read deadline
}

type AuthConfig struct {
	Enabled         bool
	JWTSecret       string
	TokenQueryParam string
}

type BrokerConfig struct {
	Type  string // "redis" or "kafka"
	Redis RedisConfig
	Kafka KafkaConfig
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type GatewayConfig struct {
	HeartbeatInterval     int // Milliseconds
	HeartbeatTimeout      int // Milliseconds
	SessionTTL            int // Milliseconds, reconnection window
	MaxConnectionsPerUser int
	MaxMessageSize        int // Bytes
	RateLimit             int // Messages per second per connection
	RateBurst             int
	SendRetryDelay        int // Milliseconds, fixed delay between send retries
	SendMaxRetries        int
	WriteTimeout          int // Seconds
}

type BufferConfig struct {
	MaxSize       int // Entries per user
	TTL           int // Milliseconds
	SweepInterval int // Milliseconds
}

type PollingConfig struct {
	Timeout       int // Milliseconds, long-poll hold
	MinInterval   int // Milliseconds between polls per session
	SessionTTL    int // Milliseconds of inactivity before expiry
	SweepInterval int // Milliseconds
}

type MetricsConfig struct {
	Enabled       bool
	Port          int
	Path          string
	FlushInterval int // Milliseconds
	LatencyWindow int // Max retained latency samples per scope
}

var (
	instance *AppConfig
	once     sync.Once
)

func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		viper.SetConfigName(fmt.Sprintf("config.%s", env))
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")

		viper.AutomaticEnv()
		viper.SetEnvPrefix("RTGATEWAY")

		setDefaults()
		bindEnvVars()

		// A config file is optional; defaults plus env vars are enough to run.
		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				initErr = fmt.Errorf("config file error: %w", err)
				return
			}
		}

		if err := viper.Unmarshal(&instance); err != nil {
			initErr = fmt.Errorf("config unmarshal error: %w", err)
			return
		}

		if err := instance.Validate(); err != nil {
			initErr = fmt.Errorf("config validation failed: %w", err)
			return
		}
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}
