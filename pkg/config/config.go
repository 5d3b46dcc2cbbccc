// Package config loads the serving-layer configuration from the process
// environment. Every component (CLI, routing controller, router frontend,
// group worker) shares one Settings value; components read only the fields
// they need. A `.env` file in the working directory is merged in first so
// that local development matches deployed environments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Deployment platforms.
const (
	PlatformSwarm  = "swarm"
	PlatformDocker = "docker"
)

// Deployment environments.
const (
	EnvLocal      = "local"
	EnvDevSwarm   = "devswarm"
	EnvProduction = "production"
)

// Dispatcher match modes.
const (
	MatchExact  = "exact"
	MatchPrefix = "prefix"
)

// Routing controller deployment modes.
const (
	RoutingEager = "eager"
	RoutingLazy  = "lazy"
)

// Settings holds every environment-driven option. Zero values are never
// used directly; FromEnv applies defaults and validates enums.
type Settings struct {
	// Bus and stream processor.
	KafkaBroker          string // KAFKA_BROKER
	KafkaTopic           string // KAFKA_TOPIC (injected into workers)
	KafkaConsumerGroupID string // KAFKA_CONSUMER_GROUP_ID (injected into workers)
	KSQLDBURL            string // KSQLDB_URL
	KSQLDBAssetsStream   string // KSQLDB_ASSETS_STREAM
	KSQLDBAssetsTable    string // KSQLDB_ASSETS_TABLE
	KSQLDBUNSMap         string // KSQLDB_UNS_MAP

	// Worker stream fan-out.
	MatchMode     string // STREAM_MATCH_MODE: exact|prefix
	QueueCapacity int    // STREAM_QUEUE_CAPACITY

	// Deployment.
	DockerNetwork       string  // DOCKER_NETWORK
	GroupImage          string  // FASTAPI_GROUP_IMAGE
	GroupReplicas       uint64  // FASTAPI_GROUP_REPLICAS
	GroupCPULimit       float64 // FASTAPI_GROUP_CPU_LIMIT
	GroupCPUReservation float64 // FASTAPI_GROUP_CPU_RESERVATION
	GroupPortBase       int     // FASTAPI_GROUP_PORT_BASE

	RouterImage          string  // ROUTING_LAYER_IMAGE
	RouterReplicas       uint64  // ROUTING_LAYER_REPLICAS
	RouterCPULimit       float64 // ROUTING_LAYER_CPU_LIMIT
	RouterCPUReservation float64 // ROUTING_LAYER_CPU_RESERVATION

	GroupingStrategy   string // GROUPING_STRATEGY
	DeploymentPlatform string // DEPLOYMENT_PLATFORM: swarm|docker
	Environment        string // ENVIRONMENT: local|devswarm|production
	RoutingMode        string // ROUTING_MODE: eager|lazy
	SwarmNodeHost      string // SWARM_NODE_HOST

	LogLevel string // LOG_LEVEL
}

// FromEnv builds Settings from the environment, merging a `.env` file from
// the working directory when one exists. Values already set in the
// environment win over the file.
func FromEnv() (*Settings, error) {
	// Ignore a missing .env; it is a development convenience only.
	_ = godotenv.Load()

	s := &Settings{
		KafkaBroker:          envOr("KAFKA_BROKER", "localhost:9092"),
		KafkaTopic:           envOr("KAFKA_TOPIC", "enriched_assets_stream_topic"),
		KafkaConsumerGroupID: envOr("KAFKA_CONSUMER_GROUP_ID", "serving-layer-stream-api"),
		KSQLDBURL:            envOr("KSQLDB_URL", "http://localhost:8088"),
		KSQLDBAssetsStream:   envOr("KSQLDB_ASSETS_STREAM", "enriched_assets_stream"),
		KSQLDBAssetsTable:    envOr("KSQLDB_ASSETS_TABLE", "assets"),
		KSQLDBUNSMap:         envOr("KSQLDB_UNS_MAP", "asset_to_uns_map"),

		MatchMode: strings.ToLower(envOr("STREAM_MATCH_MODE", MatchExact)),

		DockerNetwork:    envOr("DOCKER_NETWORK", "factory-net"),
		GroupImage:       envOr("FASTAPI_GROUP_IMAGE", "openfactory/fastapi-group:latest"),
		RouterImage:      envOr("ROUTING_LAYER_IMAGE", "openfactory/serving-layer-router:latest"),
		GroupingStrategy: strings.ToLower(envOr("GROUPING_STRATEGY", "workcenter")),

		DeploymentPlatform: strings.ToLower(envOr("DEPLOYMENT_PLATFORM", PlatformSwarm)),
		Environment:        strings.ToLower(envOr("ENVIRONMENT", EnvLocal)),
		RoutingMode:        strings.ToLower(envOr("ROUTING_MODE", RoutingEager)),
		SwarmNodeHost:      envOr("SWARM_NODE_HOST", "localhost"),

		LogLevel: strings.ToLower(envOr("LOG_LEVEL", "info")),
	}

	var err error
	if s.QueueCapacity, err = envInt("STREAM_QUEUE_CAPACITY", 1024); err != nil {
		return nil, err
	}
	if s.GroupPortBase, err = envInt("FASTAPI_GROUP_PORT_BASE", 5600); err != nil {
		return nil, err
	}
	if s.GroupReplicas, err = envUint("FASTAPI_GROUP_REPLICAS", 1); err != nil {
		return nil, err
	}
	if s.RouterReplicas, err = envUint("ROUTING_LAYER_REPLICAS", 1); err != nil {
		return nil, err
	}
	if s.GroupCPULimit, err = envFloat("FASTAPI_GROUP_CPU_LIMIT", 1); err != nil {
		return nil, err
	}
	if s.GroupCPUReservation, err = envFloat("FASTAPI_GROUP_CPU_RESERVATION", 0.5); err != nil {
		return nil, err
	}
	if s.RouterCPULimit, err = envFloat("ROUTING_LAYER_CPU_LIMIT", 1); err != nil {
		return nil, err
	}
	if s.RouterCPUReservation, err = envFloat("ROUTING_LAYER_CPU_RESERVATION", 0.5); err != nil {
		return nil, err
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	if err := oneOf("STREAM_MATCH_MODE", s.MatchMode, MatchExact, MatchPrefix); err != nil {
		return err
	}
	if err := oneOf("DEPLOYMENT_PLATFORM", s.DeploymentPlatform, PlatformSwarm, PlatformDocker); err != nil {
		return err
	}
	if err := oneOf("ENVIRONMENT", s.Environment, EnvLocal, EnvDevSwarm, EnvProduction); err != nil {
		return err
	}
	if err := oneOf("ROUTING_MODE", s.RoutingMode, RoutingEager, RoutingLazy); err != nil {
		return err
	}
	if err := oneOf("LOG_LEVEL", s.LogLevel, "debug", "info", "warning", "warn", "error", "critical", "fatal"); err != nil {
		return err
	}
	if s.QueueCapacity < 1 {
		return fmt.Errorf("STREAM_QUEUE_CAPACITY must be positive, got %d", s.QueueCapacity)
	}
	if s.GroupPortBase < 1 || s.GroupPortBase > 64535 {
		return fmt.Errorf("FASTAPI_GROUP_PORT_BASE must leave room for 1000 hashed ports, got %d", s.GroupPortBase)
	}
	return nil
}

// ParsedLogLevel maps the configured level onto logrus nomenclature. The
// upstream deployment tooling uses "warning" and "critical"; logrus spells
// those "warn" and "fatal".
func (s *Settings) ParsedLogLevel() string {
	switch s.LogLevel {
	case "warning":
		return "warn"
	case "critical":
		return "fatal"
	default:
		return s.LogLevel
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: expected integer, got %q", key, v)
	}
	return n, nil
}

func envUint(key string, fallback uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: expected unsigned integer, got %q", key, v)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: expected number, got %q", key, v)
	}
	return f, nil
}

func oneOf(key, val string, allowed ...string) error {
	for _, a := range allowed {
		if val == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), val)
}
