// Package mqtt mirrors the simulation onto an MQTT broker. Every published
// grid state is forwarded to a state topic and setpoints received on the
// setpoint topic are fed to the scheduler inbox like UDP datagrams.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kilianp07/cosim/core/model"
	"github.com/kilianp07/cosim/core/wire"
	"github.com/kilianp07/cosim/infra/logger"
	"github.com/kilianp07/cosim/internal/eventbus"
)

const (
	DefaultStateTopic    = "cosim/grid/state"
	DefaultSetpointTopic = "cosim/setpoint"
	defaultClientID      = "cosim"
)

// Source is the setpoint source recorded for messages received over MQTT.
const Source = "mqtt"

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker        string          `json:"broker" yaml:"broker"`
	ClientID      string          `json:"client_id" yaml:"client_id"`
	Username      string          `json:"username" yaml:"username"`
	Password      string          `json:"password" yaml:"password"`
	StateTopic    string          `json:"state_topic" yaml:"state_topic"`
	SetpointTopic string          `json:"setpoint_topic" yaml:"setpoint_topic"`
	UseTLS        bool            `json:"use_tls" yaml:"use_tls"`
	ClientCert    string          `json:"client_cert" yaml:"client_cert"`
	ClientKey     string          `json:"client_key" yaml:"client_key"`
	CABundle      string          `json:"ca_bundle" yaml:"ca_bundle"`
	AuthMethod    string          `json:"auth_method" yaml:"auth_method"`
	QoS           map[string]byte `json:"qos" yaml:"qos"`
	LWTTopic      string          `json:"lwt_topic" yaml:"lwt_topic"`
	LWTPayload    string          `json:"lwt_payload" yaml:"lwt_payload"`
	LWTQoS        byte            `json:"lwt_qos" yaml:"lwt_qos"`
	LWTRetain     bool            `json:"lwt_retain" yaml:"lwt_retain"`
	MaxRetries    int             `json:"max_retries" yaml:"max_retries"`
	BackoffMS     int             `json:"backoff_ms" yaml:"backoff_ms"`
	TLSConfig     *tls.Config     `json:"-" yaml:"-"`
}

// Enabled reports whether a broker is configured.
func (c Config) Enabled() bool { return c.Broker != "" }

// SetDefaults fills unset topics and retry settings.
func (c *Config) SetDefaults() {
	if c.StateTopic == "" {
		c.StateTopic = DefaultStateTopic
	}
	if c.SetpointTopic == "" {
		c.SetpointTopic = DefaultSetpointTopic
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
}

// Validate checks the configuration of an enabled mirror.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.StateTopic == c.SetpointTopic {
		return errors.New("state_topic and setpoint_topic must differ")
	}
	for k, q := range c.QoS {
		if q > 2 {
			return fmt.Errorf("qos %s: %d out of range", k, q)
		}
	}
	return nil
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Mirror publishes grid states and ingests setpoints over MQTT.
type Mirror struct {
	cli    pahoClient
	cfg    Config
	push   func(model.Setpoint) bool
	logger logger.Logger
	now    func() time.Time
}

// NewMirror connects to the broker and subscribes to the setpoint topic.
// Decoded setpoints are handed to push.
func NewMirror(cfg Config, push func(model.Setpoint) bool) (*Mirror, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	log := logger.New("mqtt_mirror")
	m := &Mirror{cfg: cfg, push: push, logger: log, now: time.Now}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if token := c.Subscribe(cfg.SetpointTopic, m.qos("setpoint"), m.onSetpoint); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	m.cli = c
	return m, nil
}

// NewClientOptions builds mqtt client options from Config. The client id gets
// a random suffix so that concurrent runs do not kick each other off.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	id := cfg.ClientID
	if id == "" {
		id = defaultClientID
	}
	id += "-" + uuid.NewString()[:8]
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(id)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}
	return cfg, nil
}

func (m *Mirror) qos(kind string) byte {
	if q, ok := m.cfg.QoS[kind]; ok {
		return q
	}
	return 0
}

func (m *Mirror) onSetpoint(_ paho.Client, msg paho.Message) {
	in, err := wire.Decode(msg.Payload())
	if err != nil {
		m.logger.Warnf("invalid setpoint on %s: %v", msg.Topic(), err)
		return
	}
	if in.Kind != wire.KindSetpoint {
		m.logger.Debugf("ignoring %s message on %s", in.Kind, msg.Topic())
		return
	}
	sp := in.Setpoint
	sp.Received = m.now()
	if sp.Source == "" {
		sp.Source = Source
	}
	if !m.push(sp) {
		m.logger.Warnf("inbox full, dropped setpoint for %s", sp.Key())
	}
}

// PublishState sends one grid state to the state topic, retrying with
// exponential backoff.
func (m *Mirror) PublishState(s *model.GridState) error {
	payload, err := wire.EncodeGridState(s)
	if err != nil {
		return err
	}
	backoff := time.Duration(m.cfg.BackoffMS) * time.Millisecond
	var publishErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		token := m.cli.Publish(m.cfg.StateTopic, m.qos("state"), false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			return nil
		}
		m.logger.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		if attempt < m.cfg.MaxRetries {
			time.Sleep(backoff * time.Duration(1<<attempt))
		}
	}
	return publishErr
}

// Run forwards every state published on bus until ctx is done. Publish
// failures are logged and the state is skipped.
func (m *Mirror) Run(ctx context.Context, bus *eventbus.TypedBus[*model.GridState]) {
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-sub:
			if !ok {
				return
			}
			if err := m.PublishState(s); err != nil {
				m.logger.Errorf("mirror step %d: %v", s.Step, err)
			}
		}
	}
}

// Disconnect gracefully closes the MQTT connection.
func (m *Mirror) Disconnect() {
	if m.cli != nil && m.cli.IsConnected() {
		m.cli.Disconnect(250)
	}
}
