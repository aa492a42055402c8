package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "default-secret" {
			return errors.New("auth.jwtSecret must be set to a strong secret when auth is enabled")
		}
		if c.Auth.TokenQueryParam == "" {
			return errors.New("auth.tokenQueryParam must be configured when auth is enabled")
		}
	}

	switch strings.ToLower(c.Broker.Type) {
	case "redis":
		if c.Broker.Redis.Address == "" {
			return errors.New("redis address must be specified for redis broker")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'redis' or 'kafka'", c.Broker.Type)
	}

	if c.Gateway.HeartbeatInterval < 1000 {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	if c.Gateway.HeartbeatTimeout <= c.Gateway.HeartbeatInterval {
		return errors.New("heartbeat timeout must exceed the heartbeat interval")
	}
	if c.Gateway.SessionTTL <= c.Gateway.HeartbeatTimeout {
		return errors.New("session TTL should be greater than heartbeat timeout")
	}
	if c.Gateway.MaxConnectionsPerUser < 1 {
		return errors.New("max connections per user must be positive")
	}
	if c.Gateway.MaxMessageSize < 512 {
		return errors.New("max message size must be at least 512 bytes")
	}
	if c.Gateway.SendMaxRetries < 1 {
		return errors.New("send max retries must be positive")
	}

	if c.Buffer.MaxSize < 1 {
		return errors.New("buffer max size must be positive")
	}
	if c.Buffer.TTL < c.Gateway.SessionTTL {
		return errors.New("buffer TTL should cover at least the reconnection window")
	}

	if c.Polling.Timeout < 1000 {
		return errors.New("poll timeout must be at least 1 second")
	}
	if c.Polling.MinInterval >= c.Polling.Timeout {
		return errors.New("min poll interval must be less than the poll timeout")
	}

	if c.Metrics.FlushInterval < 1000 {
		return errors.New("metrics flush interval must be at least 1 second")
	}
	if c.Metrics.LatencyWindow < 10 {
		return errors.New("latency sample window must hold at least 10 samples")
	}

	return nil
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "RTGATEWAY_PORT")

	// Auth
	viper.BindEnv("auth.enabled", "RTGATEWAY_AUTH_ENABLED")
	viper.BindEnv("auth.jwtSecret", "RTGATEWAY_AUTH_JWT_SECRET")
	viper.BindEnv("auth.tokenQueryParam", "RTGATEWAY_AUTH_TOKEN_PARAM")

	// Broker
	viper.BindEnv("broker.type", "RTGATEWAY_BROKER_TYPE")
	viper.BindEnv("broker.redis.address", "RTGATEWAY_REDIS_ADDRESS")
	viper.BindEnv("broker.redis.password", "RTGATEWAY_REDIS_PASSWORD")
	viper.BindEnv("broker.kafka.brokers", "RTGATEWAY_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.groupID", "RTGATEWAY_KAFKA_GROUPID")

	// Gateway
	viper.BindEnv("gateway.heartbeatInterval", "RTGATEWAY_HEARTBEAT_INTERVAL")
	viper.BindEnv("gateway.heartbeatTimeout", "RTGATEWAY_HEARTBEAT_TIMEOUT")
	viper.BindEnv("gateway.sessionTTL", "RTGATEWAY_SESSION_TTL")
	viper.BindEnv("gateway.maxConnectionsPerUser", "RTGATEWAY_MAX_CONNECTIONS_PER_USER")
	viper.BindEnv("gateway.maxMessageSize", "RTGATEWAY_MAX_MESSAGE_SIZE")
	viper.BindEnv("gateway.rateLimit", "RTGATEWAY_RATE_LIMIT")

	// Buffer
	viper.BindEnv("buffer.maxSize", "RTGATEWAY_BUFFER_MAX_SIZE")
	viper.BindEnv("buffer.ttl", "RTGATEWAY_BUFFER_TTL")

	// Polling
	viper.BindEnv("polling.timeout", "RTGATEWAY_POLL_TIMEOUT")
	viper.BindEnv("polling.minInterval", "RTGATEWAY_POLL_MIN_INTERVAL")

	// Metrics
	viper.BindEnv("metrics.enabled", "RTGATEWAY_METRICS_ENABLED")
	viper.BindEnv("metrics.port", "RTGATEWAY_METRICS_PORT")
	viper.BindEnv("metrics.flushInterval", "RTGATEWAY_METRICS_FLUSH_INTERVAL")
}
