// Package mqttpub publishes a JSON snapshot of a pioneeravr session's
// per-zone properties to MQTT whenever that zone's observer fires. Like
// package metrics, it is a pure observer of the property cache and never
// participates in the command/response path.
//
// Grounded on the teacher's mqtt_publisher.go: paho.mqtt.golang client
// options (auto-reconnect, keepalive, TLS client-cert support), and its
// MetricPayload JSON envelope, generalized from "publish derived
// measurement metrics on a timer" to "publish a zone snapshot on change".
package mqttpub

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/pioneeravr/pioneeravr"
)

// TLSConfig mirrors the teacher's MQTTTLSConfig (config.go) field for
// field: optional CA/client-cert paths for a TLS broker connection.
type TLSConfig struct {
	Enabled    bool
	CACert     string
	ClientCert string
	ClientKey  string
}

// Config mirrors the teacher's MQTTConfig shape, trimmed to what a
// property publisher needs: no spectrum/metrics-interval fields, since
// this package publishes on zone-change, not on a fixed interval.
type Config struct {
	Enabled     bool
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retain      bool
	TLS         TLSConfig
}

// snapshotPayload is the JSON envelope published for one zone.
type snapshotPayload struct {
	Zone             string `json:"zone"`
	Power            bool   `json:"power"`
	Volume           int    `json:"volume"`
	MaxVolume        int    `json:"max_volume"`
	Mute             bool   `json:"mute"`
	SourceID         string `json:"source_id"`
	SourceName       string `json:"source_name"`
	MediaControlMode string `json:"media_control_mode,omitempty"`
	Timestamp        int64  `json:"timestamp"`
}

// Publisher owns the MQTT client connection.
type Publisher struct {
	client mqtt.Client
	cfg    Config
	now    func() int64
}

// ConfigFromSession converts the MQTT half of a pioneeravr.SessionConfig
// into a Config, so a caller can go straight from a parsed config file to
// NewPublisher without restating every field.
func ConfigFromSession(c pioneeravr.MQTTSessionConfig) Config {
	return Config{
		Enabled:     c.Enabled,
		Broker:      c.Broker,
		ClientID:    c.ClientID,
		Username:    c.Username,
		Password:    c.Password,
		TopicPrefix: c.TopicPrefix,
		QoS:         c.QoS,
		Retain:      c.Retain,
		TLS: TLSConfig{
			Enabled:    c.TLS.Enabled,
			CACert:     c.TLS.CACert,
			ClientCert: c.TLS.ClientCert,
			ClientKey:  c.TLS.ClientKey,
		},
	}
}

// NewPublisher dials the broker described by cfg and returns a ready
// Publisher. now defaults to time.Now().Unix(); tests may override it via
// SetClock.
func NewPublisher(cfg Config) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "pioneeravr"
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if cfg.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("mqttpub: loading TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqttpub: connecting to broker: %w", token.Error())
	}

	return &Publisher{client: client, cfg: cfg, now: func() int64 { return time.Now().Unix() }}, nil
}

// SetClock overrides the publisher's timestamp source, for tests.
func (p *Publisher) SetClock(now func() int64) {
	p.now = now
}

func loadTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsConf := &tls.Config{}

	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parsing CA certificate")
		}
		tlsConf.RootCAs = pool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}

	return tlsConf, nil
}

// Attach registers a publishing observer on every real zone of sess.
func Attach(sess *pioneeravr.Session, p *Publisher) {
	for _, zone := range pioneeravr.AllZones() {
		sess.RegisterZoneObserver(zone, p.publish)
	}
}

func (p *Publisher) publish(snap pioneeravr.Snapshot) {
	payload := snapshotPayload{
		Zone:             snap.Zone.String(),
		Power:            snap.Power,
		Volume:           snap.Volume,
		MaxVolume:        snap.MaxVolume,
		Mute:             snap.Mute,
		SourceID:         snap.SourceID,
		SourceName:       snap.SourceName,
		MediaControlMode: snap.MediaControlMode,
		Timestamp:        p.now(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/%s", p.cfg.TopicPrefix, snap.Zone.String())
	p.client.Publish(topic, p.cfg.QoS, p.cfg.Retain, body)
}

// Close disconnects from the broker, waiting up to 250ms for in-flight
// publishes to drain.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
