package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Windscribe/connectproxy"
)

const defaultPort = 8443

type config struct {
	Port             int                    `yaml:"port"`
	Whitelist        []string               `yaml:"whitelist"`
	CertFile         string                 `yaml:"cert"`
	KeyFile          string                 `yaml:"key"`
	CertRefresh      time.Duration          `yaml:"cert_refresh"`
	MetricsAddr      string                 `yaml:"metrics_addr"`
	DNSServer        string                 `yaml:"dns_server"`
	LogLevel         string                 `yaml:"log_level"`
	Workers          int                    `yaml:"workers"`
	ConnectTimeout   time.Duration          `yaml:"connect_timeout"`
	HandshakeTimeout time.Duration          `yaml:"handshake_timeout"`
	KeepAlive        connectproxy.KeepAlive `yaml:"keepalive"`
}

func defaultConfig() config {
	opts := connectproxy.DefaultOptions()
	return config{
		Port:             defaultPort,
		Whitelist:        opts.Whitelist,
		LogLevel:         "info",
		Workers:          opts.Workers,
		ConnectTimeout:   opts.ConnectTimeout,
		HandshakeTimeout: opts.HandshakeTimeout,
		KeepAlive:        opts.KeepAlive,
	}
}

// loadConfig reads a YAML config file on top of the defaults. Keys missing
// from the file keep their default value and unknown keys are an error.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func (c config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("cert and key must be given together")
	}
	if len(c.Whitelist) == 0 {
		return errors.New("whitelist is empty, no tunnel could ever be opened")
	}
	return nil
}

func (c config) options() connectproxy.Options {
	opts := connectproxy.DefaultOptions().
		WithWhitelist(c.Whitelist...).
		WithWorkers(c.Workers).
		WithConnectTimeout(c.ConnectTimeout).
		WithHandshakeTimeout(c.HandshakeTimeout).
		WithKeepAlive(c.KeepAlive).
		WithCertificateRefresh(c.CertRefresh)
	if c.CertFile != "" {
		opts = opts.WithCertificate(connectproxy.CertificateFromFiles(c.CertFile, c.KeyFile))
	}
	if c.DNSServer != "" {
		opts = opts.WithResolver(connectproxy.NewDNSResolver(c.DNSServer, c.ConnectTimeout))
	}
	return opts
}
