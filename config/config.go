package config

import (
	_ "embed"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
)

//go:embed example-config.yaml
var ExampleConfig string

type ServerConfig struct {
	ServerName string `yaml:"server_name"`

	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`

	WellKnownServer string `yaml:"well_known_server"`

	ManagementSecret string `yaml:"management_secret"`
}

type KeysConfig struct {
	CheckInterval     time.Duration `yaml:"check_interval"`
	RefreshThreshold  time.Duration `yaml:"refresh_threshold"`
	Validity          time.Duration `yaml:"validity"`
	PublishedValidity time.Duration `yaml:"published_validity"`
	NotaryConcurrency int           `yaml:"notary_concurrency"`
}

type FederationConfig struct {
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ResolveCacheTTL time.Duration `yaml:"resolve_cache_ttl"`
}

type SendQueueConfig struct {
	FlushInterval  time.Duration `yaml:"flush_interval"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxRetries     int           `yaml:"max_retries"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

type ReceiverConfig struct {
	TransactionRetention time.Duration `yaml:"transaction_retention"`
	PruneInterval        time.Duration `yaml:"prune_interval"`
}

type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Keys       KeysConfig        `yaml:"keys"`
	Federation FederationConfig  `yaml:"federation"`
	SendQueue  SendQueueConfig   `yaml:"send_queue"`
	Receiver   ReceiverConfig    `yaml:"receiver"`
	Database   dbutil.Config     `yaml:"database"`
	Logging    zeroconfig.Config `yaml:"logging"`
}
