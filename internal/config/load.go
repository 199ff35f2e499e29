package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Mode             string        `toml:"mode" yaml:"mode"`
	ExpectedExitCode int           `toml:"expected_exit_code" yaml:"expected_exit_code"`
	Timeout          string        `toml:"timeout" yaml:"timeout"`
	MaxLogBytes      int           `toml:"max_log_bytes" yaml:"max_log_bytes"`
	Companion        fileCompanion `toml:"companion" yaml:"companion"`
	SSH              fileSSH       `toml:"ssh" yaml:"ssh"`
}

type fileCompanion struct {
	Channel           string   `toml:"channel" yaml:"channel"`
	AuthToken         string   `toml:"auth_token" yaml:"auth_token"`
	StatusAddr        string   `toml:"status_addr" yaml:"status_addr"`
	CORSOrigins       []string `toml:"cors_origins" yaml:"cors_origins"`
	RequireServerName string   `toml:"require_server_name" yaml:"require_server_name"`
	SecurityMode      string   `toml:"security_mode" yaml:"security_mode"`
	ConnectTimeout    string   `toml:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout       string   `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout      string   `toml:"write_timeout" yaml:"write_timeout"`
	TLS               fileTLS  `toml:"tls" yaml:"tls"`
}

type fileTLS struct {
	Enabled            bool     `toml:"enabled" yaml:"enabled"`
	Mutual             bool     `toml:"mutual" yaml:"mutual"`
	CertFile           string   `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string   `toml:"key_file" yaml:"key_file"`
	CAFile             string   `toml:"ca_file" yaml:"ca_file"`
	ServerName         string   `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	CipherSuites       []string `toml:"cipher_suites" yaml:"cipher_suites"`
}

type fileSSH struct {
	Host                        string `toml:"host" yaml:"host"`
	Port                        string `toml:"port" yaml:"port"`
	User                        string `toml:"user" yaml:"user"`
	KeyPath                     string `toml:"key_path" yaml:"key_path"`
	KnownHostsPath              string `toml:"known_hosts_path" yaml:"known_hosts_path"`
	InsecureSkipHostKeyChecking bool   `toml:"insecure_skip_host_key_checking" yaml:"insecure_skip_host_key_checking"`
	Timeout                     string `toml:"timeout" yaml:"timeout"`
	RemoteBinary                string `toml:"remote_binary" yaml:"remote_binary"`
}

// definedFunc reports whether a dotted key path was present in the file.
type definedFunc func(keys ...string) bool

// Load reads path over Default(). .yaml and .yml decode as YAML, anything
// else as TOML. Only keys present in the file override defaults.
func Load(path string) (Config, error) {
	var raw fileConfig
	var defined definedFunc

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		var tree map[string]any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		defined = yamlDefined(tree)
	default:
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		defined = meta.IsDefined
	}

	cfg, err := overlay(Default(), raw, defined)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func yamlDefined(tree map[string]any) definedFunc {
	return func(keys ...string) bool {
		var node any = tree
		for _, k := range keys {
			m, ok := node.(map[string]any)
			if !ok {
				return false
			}
			if node, ok = m[k]; !ok {
				return false
			}
		}
		return true
	}
}

func overlay(cfg Config, raw fileConfig, defined definedFunc) (Config, error) {
	var err error
	if defined("mode") {
		cfg.Mode = Mode(strings.ToLower(strings.TrimSpace(raw.Mode)))
	}
	if defined("expected_exit_code") {
		cfg.ExpectedExitCode = raw.ExpectedExitCode
	}
	if defined("timeout") {
		if cfg.Timeout, err = parseDuration("timeout", raw.Timeout); err != nil {
			return Config{}, err
		}
	}
	if defined("max_log_bytes") {
		cfg.MaxLogBytes = raw.MaxLogBytes
	}

	c := raw.Companion
	if defined("companion", "channel") {
		cfg.Companion.Channel = strings.TrimSpace(c.Channel)
	}
	if defined("companion", "auth_token") {
		cfg.Companion.AuthToken = strings.TrimSpace(c.AuthToken)
	}
	if defined("companion", "status_addr") {
		cfg.Companion.StatusAddr = strings.TrimSpace(c.StatusAddr)
	}
	if defined("companion", "cors_origins") {
		cfg.Companion.CORSOrigins = normalizeList(c.CORSOrigins)
	}
	if defined("companion", "require_server_name") {
		cfg.Companion.RequireServerName = strings.TrimSpace(c.RequireServerName)
	}
	if defined("companion", "security_mode") {
		cfg.Companion.SecurityMode = strings.TrimSpace(c.SecurityMode)
	}
	if defined("companion", "connect_timeout") {
		if cfg.Companion.ConnectTimeout, err = parseDuration("companion.connect_timeout", c.ConnectTimeout); err != nil {
			return Config{}, err
		}
	}
	if defined("companion", "read_timeout") {
		if cfg.Companion.ReadTimeout, err = parseDuration("companion.read_timeout", c.ReadTimeout); err != nil {
			return Config{}, err
		}
	}
	if defined("companion", "write_timeout") {
		if cfg.Companion.WriteTimeout, err = parseDuration("companion.write_timeout", c.WriteTimeout); err != nil {
			return Config{}, err
		}
	}
	if defined("companion", "tls") {
		cfg.Companion.TLS = TLSConfig{
			Enabled:            c.TLS.Enabled,
			Mutual:             c.TLS.Mutual,
			CertFile:           strings.TrimSpace(c.TLS.CertFile),
			KeyFile:            strings.TrimSpace(c.TLS.KeyFile),
			CAFile:             strings.TrimSpace(c.TLS.CAFile),
			ServerName:         strings.TrimSpace(c.TLS.ServerName),
			InsecureSkipVerify: c.TLS.InsecureSkipVerify,
			CipherSuites:       normalizeList(c.TLS.CipherSuites),
		}
	}

	s := raw.SSH
	if defined("ssh", "host") {
		cfg.SSH.Host = strings.TrimSpace(s.Host)
	}
	if defined("ssh", "port") {
		cfg.SSH.Port = strings.TrimSpace(s.Port)
	}
	if defined("ssh", "user") {
		cfg.SSH.User = strings.TrimSpace(s.User)
	}
	if defined("ssh", "key_path") {
		cfg.SSH.KeyPath = strings.TrimSpace(s.KeyPath)
	}
	if defined("ssh", "known_hosts_path") {
		cfg.SSH.KnownHostsPath = strings.TrimSpace(s.KnownHostsPath)
	}
	if defined("ssh", "insecure_skip_host_key_checking") {
		cfg.SSH.InsecureSkipHostKeyChecking = s.InsecureSkipHostKeyChecking
	}
	if defined("ssh", "timeout") {
		if cfg.SSH.Timeout, err = parseDuration("ssh.timeout", s.Timeout); err != nil {
			return Config{}, err
		}
	}
	if defined("ssh", "remote_binary") {
		cfg.SSH.RemoteBinary = strings.TrimSpace(s.RemoteBinary)
	}
	return cfg, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
