// Package config loads process configuration the way
// cmd/server/main.go's predecessor in the teacher repo does: viper with
// env-var overrides and typed defaults, no config files required in
// production.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level process configuration.
type Config struct {
	DatabaseURL string

	RedisAddrs    []string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	EmbeddingDimension int
	EmbeddingModel     string

	WorkerCount       int
	WorkerBatchSize   int
	WorkerMaxAttempts int
	RetryDelayMinutes int

	WatchFolderEnabled  bool
	WatchFolderPath     string
	WatchFolderInterval time.Duration

	LicenseKey string

	MetricsAddr string
}

// Load reads configuration from the environment, applying the same
// defaults-then-env-override sequencing the teacher's chat-service uses.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DOVOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.url", "postgres://localhost:5432/dovos?sslmode=disable")
	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "dovos-events")
	v.SetDefault("embedding.dimension", 384)
	v.SetDefault("embedding.model", "default")
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.batch_size", 5)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.retry_delay_minutes", 1)
	v.SetDefault("watchfolder.enabled", false)
	v.SetDefault("watchfolder.path", "")
	v.SetDefault("watchfolder.interval", "60s")
	v.SetDefault("license.key", "")
	v.SetDefault("metrics.addr", ":9090")

	interval, err := time.ParseDuration(v.GetString("watchfolder.interval"))
	if err != nil {
		return nil, fmt.Errorf("config: parse watchfolder.interval: %w", err)
	}

	return &Config{
		DatabaseURL:         v.GetString("database.url"),
		RedisAddrs:          v.GetStringSlice("redis.addrs"),
		RedisPassword:       v.GetString("redis.password"),
		KafkaBrokers:        v.GetStringSlice("kafka.brokers"),
		KafkaTopic:          v.GetString("kafka.topic"),
		EmbeddingDimension:  v.GetInt("embedding.dimension"),
		EmbeddingModel:      v.GetString("embedding.model"),
		WorkerCount:         v.GetInt("worker.count"),
		WorkerBatchSize:     v.GetInt("worker.batch_size"),
		WorkerMaxAttempts:   v.GetInt("worker.max_attempts"),
		RetryDelayMinutes:   v.GetInt("worker.retry_delay_minutes"),
		WatchFolderEnabled:  v.GetBool("watchfolder.enabled"),
		WatchFolderPath:     v.GetString("watchfolder.path"),
		WatchFolderInterval: interval,
		LicenseKey:          v.GetString("license.key"),
		MetricsAddr:         v.GetString("metrics.addr"),
	}, nil
}
