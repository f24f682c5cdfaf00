package bus

import (
	"fmt"
	"strings"

	"github.com/keeldb/keel/internal/config"
)

// Backend names accepted in configuration.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendKafka  = "kafka"
	BackendRedis  = "redis"
)

// New creates a Bus from configuration. The default backend is memory,
// which needs no external service.
func New(cfg config.BusConfig) (Bus, error) {
	backend := strings.ToLower(cfg.Backend)
	if backend == "" {
		backend = BackendMemory
	}

	switch backend {
	case BackendMemory:
		return newMemoryBus(), nil

	case BackendNATS:
		return newNATSBus(cfg.URL)

	case BackendKafka:
		return newKafkaBus(KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
		})

	case BackendRedis:
		return newRedisBus(RedisConfig{
			URL:      cfg.URL,
			Password: cfg.Password,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
			Group:    cfg.RedisGroup,
			Consumer: cfg.RedisConsumer,
		})

	default:
		return nil, fmt.Errorf("unsupported bus backend: %s (supported: memory, nats, kafka, redis)", backend)
	}
}
