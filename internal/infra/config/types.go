package config

import "strings"

// Environment identifies the runtime environment where the gateway operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StorageDriver selects the persistence backend behind the state cache.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"
	StorageRedis    StorageDriver = "redis"
	StoragePostgres StorageDriver = "postgres"
)

// SinkKind selects the envelope sink.
type SinkKind string

const (
	SinkLog   SinkKind = "log"
	SinkKafka SinkKind = "kafka"
)

// ExchangeBinance is the only exchange with an adapter.
const ExchangeBinance = "binance"

func normalizeIdentifier(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
