package pioneeravr

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SessionConfig is the on-disk configuration for a Session and its
// optional observability collaborators: connection target, parameter
// overrides, and the metrics/mqttpub sub-configs (spec.md §6 [ADDED]).
//
// Grounded on the teacher's top-level `Config` struct (config.go): one
// YAML-tagged struct per concern, loaded wholesale by LoadSessionConfig
// the way the teacher's LoadConfig loads Config, generalized from the
// teacher's dozens of subsystem configs down to the handful an AVR client
// actually has.
type SessionConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Zone string `yaml:"zone,omitempty"`

	Params map[ParamKey]any `yaml:"params,omitempty"`

	MetricsListenAddr string `yaml:"metrics_listen_addr,omitempty"`
	MetricsEnabled    bool   `yaml:"metrics_enabled"`

	MQTT MQTTSessionConfig `yaml:"mqtt"`
}

// MQTTSessionConfig mirrors the teacher's MQTTConfig/MQTTTLSConfig
// (config.go) field-for-field for the subset mqttpub.Config needs.
type MQTTSessionConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Retain      bool   `yaml:"retain"`

	TLS MQTTSessionTLSConfig `yaml:"tls"`
}

// MQTTSessionTLSConfig mirrors the teacher's MQTTTLSConfig.
type MQTTSessionTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert,omitempty"`
	ClientCert string `yaml:"client_cert,omitempty"`
	ClientKey  string `yaml:"client_key,omitempty"`
}

// LoadSessionConfig reads and parses filename the way the teacher's
// LoadConfig does: read the whole file, unmarshal, validate the one
// field that must be present (host), and return a typed error otherwise.
func LoadSessionConfig(filename string) (*SessionConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("pioneeravr: reading config file: %w", err)
	}

	var cfg SessionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("pioneeravr: parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = 8102
	}
	return &cfg, nil
}

// Validate checks the fields LoadSessionConfig cannot default for the
// caller, mirroring the teacher's Config.Validate pattern of a single
// method aggregating every field-level check.
func (c *SessionConfig) Validate() error {
	if c.Host == "" {
		return newValidationError("host", "must not be empty")
	}
	if c.Port < 0 || c.Port > 65535 {
		return newValidationError("port", "must be between 0 and 65535")
	}
	return nil
}

// ApplyTo installs cfg.Params into sess's user-override layer.
func (c *SessionConfig) ApplyTo(sess *Session) {
	if len(c.Params) > 0 {
		sess.Params().SetUserParams(c.Params)
	}
}
