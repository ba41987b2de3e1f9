// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mitmqtt holds the process configuration of the MQTT interception
// proxy.
package mitmqtt

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/absmach/mitmqtt/pkg/breaker"
	"github.com/absmach/mitmqtt/pkg/cert"
)

// EnvPrefix prefixes every configuration variable.
const EnvPrefix = "MITMQTT_"

// Config is the proxy configuration read from the environment.
type Config struct {
	Host    string `env:"HOST"     envDefault:"0.0.0.0"`
	Port    string `env:"PORT"     envDefault:"1883"`
	TLSPort string `env:"TLS_PORT" envDefault:"8883"`

	CertFile   string `env:"CERT_FILE"   envDefault:""`
	KeyFile    string `env:"KEY_FILE"    envDefault:""`
	GenerateCA bool   `env:"GENERATE_CA" envDefault:"false"`

	TargetHost       string `env:"TARGET_HOST"        envDefault:"test.mosquitto.org"`
	TargetPort       int    `env:"TARGET_PORT"        envDefault:"1883"`
	TargetTLS        bool   `env:"TARGET_TLS"         envDefault:"false"`
	TargetCAFile     string `env:"TARGET_CA_FILE"     envDefault:""`
	TargetServerName string `env:"TARGET_SERVER_NAME" envDefault:""`
	TargetInsecure   bool   `env:"TARGET_INSECURE"    envDefault:"false"`

	Reassemble    bool `env:"REASSEMBLE"     envDefault:"true"`
	StoreCapacity int  `env:"STORE_CAPACITY" envDefault:"1000"`
	BufferSize    int  `env:"BUFFER_SIZE"    envDefault:"4096"`

	DialTimeout      time.Duration `env:"DIAL_TIMEOUT"      envDefault:"10s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"30s"`

	AcceptRate  float64 `env:"ACCEPT_RATE"  envDefault:"0"`
	AcceptBurst int     `env:"ACCEPT_BURST" envDefault:"10"`

	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	ConsoleAddress string `env:"CONSOLE_ADDRESS" envDefault:":8080"`
	MetricsAddress string `env:"METRICS_ADDRESS" envDefault:":9090"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Tap         bool   `env:"TAP"          envDefault:"true"`
	CaptureFile string `env:"CAPTURE_FILE" envDefault:""`
}

// NewConfig parses the environment into a Config.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if _, _, err := ListenPort(c.Port); err != nil {
		return Config{}, fmt.Errorf("PORT: %w", err)
	}
	if _, _, err := ListenPort(c.TLSPort); err != nil {
		return Config{}, fmt.Errorf("TLS_PORT: %w", err)
	}
	if c.TargetPort <= 0 || c.TargetPort > 65535 {
		return Config{}, fmt.Errorf("TARGET_PORT: invalid port %d", c.TargetPort)
	}
	if c.GenerateCA && (c.CertFile == "" || c.KeyFile == "") {
		return Config{}, fmt.Errorf("GENERATE_CA requires CERT_FILE and KEY_FILE")
	}
	return c, nil
}

// ListenPort parses a listener port. "off" or an empty value disables the
// listener.
func ListenPort(s string) (port int, enabled bool, err error) {
	if s == "" || strings.EqualFold(s, "off") {
		return 0, false, nil
	}
	port, err = strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return 0, false, fmt.Errorf("invalid port %q", s)
	}
	return port, true, nil
}

// BrokerTrust returns the broker-leg TLS trust, or nil when the broker is
// dialed in plaintext.
func (c Config) BrokerTrust() *cert.BrokerTrust {
	if !c.TargetTLS {
		return nil
	}
	return &cert.BrokerTrust{
		CAFile:     c.TargetCAFile,
		ServerName: c.TargetServerName,
		Insecure:   c.TargetInsecure,
	}
}

// Breaker returns the broker dial breaker settings.
func (c Config) Breaker() breaker.Config {
	return breaker.Config{
		MaxFailures:  c.BreakerMaxFailures,
		ResetTimeout: c.BreakerResetTimeout,
	}
}

// Level maps LogLevel to a slog level, defaulting to info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
