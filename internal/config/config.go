// Package config provides gateway configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds edge-gateway configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"edge-gateway"`

	// Subject overrides (empty = package defaults)
	RegisterSubject     string `envconfig:"GATEWAY_REGISTER_SUBJECT"`
	SessionStateSubject string `envconfig:"GATEWAY_SESSION_STATE_SUBJECT"`

	// Timeouts
	DispatchTimeout time.Duration `envconfig:"GATEWAY_DISPATCH_TIMEOUT" default:"10s"`
	DrainTimeout    time.Duration `envconfig:"GATEWAY_DRAIN_TIMEOUT" default:"15s"`

	// Inbound frame ceiling; larger frames are rejected before dispatch.
	MaxFrameBytes int `envconfig:"GATEWAY_MAX_FRAME_BYTES" default:"1048576"`

	// Database (optional; empty disables registration persistence)
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// HTTP listener for websocket clients and health (GATEWAY_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr string `envconfig:"GATEWAY_HTTP_ADDR"`
	HTTPPort int    `envconfig:"HTTP_PORT" default:"8090"`
	WSPath   string `envconfig:"GATEWAY_WS_PATH" default:"/connect"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListenAddr resolves the HTTP listen address from GATEWAY_HTTP_ADDR or HTTP_PORT.
func (c *Config) ListenAddr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// ValidateForServe checks required config when running the gateway server.
func (c *Config) ValidateForServe() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required for serve", logPrefix)
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("%s - GATEWAY_DISPATCH_TIMEOUT must be positive", logPrefix)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("%s - GATEWAY_DRAIN_TIMEOUT must be positive", logPrefix)
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("%s - GATEWAY_MAX_FRAME_BYTES must be positive", logPrefix)
	}
	if c.WSPath == "" || c.WSPath[0] != '/' {
		return fmt.Errorf("%s - GATEWAY_WS_PATH must start with /", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
