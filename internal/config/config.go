// Package config loads the edge gateway's runtime configuration from the
// process environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v10"
)

// Config is an immutable snapshot of environment-derived settings. It is
// built once at startup by Load and passed by value/pointer thereafter —
// nothing in the gateway mutates it.
type Config struct {
	GatewayID string `env:"GATEWAY_ID" envDefault:"vineguard-gateway"`

	MQTTHost         string  `env:"MQTT_HOST" envDefault:"localhost"`
	MQTTPort         int     `env:"MQTT_PORT" envDefault:"8883"`
	MQTTUsername     string  `env:"MQTT_USERNAME"`
	MQTTPassword     string  `env:"MQTT_PASSWORD"`
	MQTTUseTLS       bool    `env:"-"`
	MQTTCACert       string  `env:"MQTT_CA_CERT"`
	MQTTClientCert   string  `env:"MQTT_CLIENT_CERT"`
	MQTTClientKey    string  `env:"MQTT_CLIENT_KEY"`
	MQTTTLSInsecure  bool    `env:"-"`
	MQTTBackoffBase  float64 `env:"MQTT_BACKOFF_BASE" envDefault:"1.0"`
	MQTTBackoffMax   float64 `env:"MQTT_BACKOFF_MAX" envDefault:"32.0"`

	QueueDBPath     string `env:"QUEUE_DB_PATH"`
	QueueStorageDir string `env:"QUEUE_STORAGE_DIR" envDefault:"./edge/gateway/data"`

	EnableUDPSource bool   `env:"-"`
	UDPListenHost   string `env:"UDP_LISTEN_HOST" envDefault:"0.0.0.0"`
	UDPListenPort   int    `env:"UDP_LISTEN_PORT" envDefault:"1700"`

	EnableLoRaSource    bool   `env:"-"`
	LoRaForceSimulation bool   `env:"-"`
	LoRaFixturePath     string `env:"LORA_FIXTURE_PATH"`

	HealthPort int    `env:"HEALTH_PORT" envDefault:"8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"INFO"`
}

const queueDBFilename = "gateway_queue.db"

// truthy mirrors the exact boolean vocabulary spec'd by the gateway:
// {1,true,yes,on} case-insensitive; everything else is false. This differs
// from caarlos0/env's own bool parsing (which rejects "yes"/"on"), so these
// fields are tagged env:"-" and filled in manually after Parse.
func truthy(raw string, def bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Load builds a Config from the current process environment, applying the
// defaults documented in the gateway's external interface contract and
// creating the queue storage directory if it does not yet exist.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	cfg.MQTTUseTLS = truthy(os.Getenv("MQTT_USE_TLS"), true)
	cfg.MQTTTLSInsecure = truthy(os.Getenv("MQTT_TLS_INSECURE"), false)
	cfg.EnableUDPSource = truthy(os.Getenv("ENABLE_UDP_SOURCE"), true)
	cfg.EnableLoRaSource = truthy(os.Getenv("ENABLE_LORA_SOURCE"), true)
	cfg.LoRaForceSimulation = truthy(os.Getenv("LORA_FORCE_SIMULATION"), false)

	if cfg.QueueDBPath == "" {
		cfg.QueueDBPath = filepath.Join(cfg.QueueStorageDir, queueDBFilename)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.QueueDBPath), 0o755); err != nil {
		return nil, fmt.Errorf("config: create queue storage dir: %w", err)
	}

	return cfg, nil
}

// MQTTAddress returns the host:port pair paho expects embedded in a scheme URI.
func (c *Config) MQTTAddress() string {
	return fmt.Sprintf("%s:%d", c.MQTTHost, c.MQTTPort)
}
