package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BridgeConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// whatsmeow credential store
	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite3"`
	DBDSN    string `envconfig:"DB_DSN" default:"file:wabridge.db?_foreign_keys=on"`

	// central backend notified of status transitions; empty disables callbacks
	BackendStatusURL string `envconfig:"BACKEND_STATUS_URL"`

	// lifecycle timeouts
	LivenessTimeout time.Duration `envconfig:"LIVENESS_TIMEOUT" default:"4s"`
	SendTimeout     time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	ConnectTimeout  time.Duration `envconfig:"CONNECT_TIMEOUT" default:"60s"`
	ConnectGrace    time.Duration `envconfig:"CONNECT_GRACE" default:"2m"`

	// periodic sweeps
	LivenessSweepInterval time.Duration `envconfig:"LIVENESS_SWEEP_INTERVAL" default:"5m"`
	IdleSweepInterval     time.Duration `envconfig:"IDLE_SWEEP_INTERVAL" default:"5m"`
	IdleTTL               time.Duration `envconfig:"IDLE_TTL" default:"30m"`

	// restore pacing on boot
	RestoreDelayMin time.Duration `envconfig:"RESTORE_DELAY_MIN" default:"3s"`
	RestoreDelayMax time.Duration `envconfig:"RESTORE_DELAY_MAX" default:"5s"`

	// outbound send pacing (per pod)
	SendRPS   float64 `envconfig:"SEND_RPS" default:"5"`
	SendBurst int     `envconfig:"SEND_BURST" default:"10"`

	// AWS / SQS inbound-message event queue; empty queue URL disables it
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	EventsQueueURL     string `envconfig:"EVENTS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

func LoadBridge() BridgeConfig {
	var cfg BridgeConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
