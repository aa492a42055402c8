package config

import "github.com/spf13/viper"

func setDefaults() {
	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 15)

	// Auth
	viper.SetDefault("auth.enabled", false) // Default to off for local development
	viper.SetDefault("auth.jwtSecret", "default-secret")
	viper.SetDefault("auth.tokenQueryParam", "token")

	// Broker
	viper.SetDefault("broker.type", "redis")
	viper.SetDefault("broker.redis.address", "localhost:6379")
	viper.SetDefault("broker.redis.db", 0)
	viper.SetDefault("broker.redis.poolSize", 100)
	viper.SetDefault("broker.redis.poolTimeout", 5)
	viper.SetDefault("broker.kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("broker.kafka.groupID", "realtime-gateway")

	// Gateway
	viper.SetDefault("gateway.heartbeatInterval", 30000)
	viper.SetDefault("gateway.heartbeatTimeout", 60000)
	viper.SetDefault("gateway.sessionTTL", 300000)
	viper.SetDefault("gateway.maxConnectionsPerUser", 3)
	viper.SetDefault("gateway.maxMessageSize", 65536)
	viper.SetDefault("gateway.rateLimit", 50)
	viper.SetDefault("gateway.rateBurst", 100)
	viper.SetDefault("gateway.sendRetryDelay", 1000)
	viper.SetDefault("gateway.sendMaxRetries", 3)
	viper.SetDefault("gateway.writeTimeout", 10)

	// Buffer
	viper.SetDefault("buffer.maxSize", 100)
	viper.SetDefault("buffer.ttl", 86400000) // 24h
	viper.SetDefault("buffer.sweepInterval", 60000)

	// Polling
	viper.SetDefault("polling.timeout", 25000)
	viper.SetDefault("polling.minInterval", 1000)
	viper.SetDefault("polling.sessionTTL", 300000)
	viper.SetDefault("polling.sweepInterval", 60000)

	// Metrics
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.flushInterval", 10000)
	viper.SetDefault("metrics.latencyWindow", 1000)

	// Logging
	viper.SetDefault("logLevel", "info")
}
