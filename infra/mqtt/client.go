package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/lastmile/core/monitoring"
	"github.com/kilianp07/lastmile/core/transport"
	"github.com/kilianp07/lastmile/infra/logger"
)

// DefaultTopicPrefix roots every topic used by the transport.
const DefaultTopicPrefix = "lastmile"

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker      string          `json:"broker"`
	ClientID    string          `json:"client_id"`
	Username    string          `json:"username"`
	Password    string          `json:"password"`
	TopicPrefix string          `json:"topic_prefix"`
	UseTLS      bool            `json:"use_tls"`
	ClientCert  string          `json:"client_cert"`
	ClientKey   string          `json:"client_key"`
	CABundle    string          `json:"ca_bundle"`
	AuthMethod  string          `json:"auth_method"`
	QoS         map[string]byte `json:"qos"`
	LWTTopic    string          `json:"lwt_topic"`
	LWTPayload  string          `json:"lwt_payload"`
	LWTQoS      byte            `json:"lwt_qos"`
	LWTRetain   bool            `json:"lwt_retain"`
	MaxRetries  int             `json:"max_retries"`
	BackoffMS   int             `json:"backoff_ms"`
	TLSConfig   *tls.Config     `json:"-"`
}

// Enabled reports whether a broker is configured.
func (c Config) Enabled() bool { return c.Broker != "" }

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// Transport carries driver traffic over MQTT. Clients publish to
// <prefix>/in/<conn>/<event> and subscribe to <prefix>/out/<kind>/<id>/#.
// A client that sets its will to <prefix>/in/<conn>/disconnect is reported
// disconnected by the broker when it drops.
type Transport struct {
	cli    pahoClient
	prefix string
	qos    map[string]byte

	mu       sync.RWMutex
	handlers map[string]transport.Handler

	logger     logger.Logger
	maxRetries int
	backoff    time.Duration
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewTransport connects to the MQTT broker and subscribes to inbound topics.
func NewTransport(cfg Config) (*Transport, error) {
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	log := logger.New("mqtt_transport")
	t := &Transport{
		prefix:     prefix,
		qos:        cfg.QoS,
		handlers:   make(map[string]transport.Handler),
		logger:     log,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
	}
	if t.maxRetries <= 0 {
		t.maxRetries = 3
	}
	if t.backoff <= 0 {
		t.backoff = 100 * time.Millisecond
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if token := c.Subscribe(t.inboundFilter(), t.qosFor("inbound"), t.onMessage); token.Wait() && token.Error() != nil {
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
	t.cli = c
	return t, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	// Handlers publish replies; ordered delivery would block them.
	opts.SetOrderMatters(false)
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

func (t *Transport) qosFor(kind string) byte {
	if q, ok := t.qos[kind]; ok {
		return q
	}
	return 1
}

func (t *Transport) inboundFilter() string { return t.prefix + "/in/+/+" }

// OutboundTopic returns the topic an event for target is published on.
func (t *Transport) OutboundTopic(target transport.Target, event string) string {
	kind, id := target.Split()
	return fmt.Sprintf("%s/out/%s/%s/%s", t.prefix, kind, id, event)
}

// Receive registers the handler for an inbound event name.
func (t *Transport) Receive(event string, h transport.Handler) {
	t.mu.Lock()
	t.handlers[event] = h
	t.mu.Unlock()
}

func (t *Transport) onMessage(_ paho.Client, msg paho.Message) {
	rest, ok := strings.CutPrefix(msg.Topic(), t.prefix+"/in/")
	if !ok {
		return
	}
	conn, event, ok := strings.Cut(rest, "/")
	if !ok || conn == "" || event == "" {
		t.logger.Warnf("ignoring message on %s", msg.Topic())
		return
	}
	t.mu.RLock()
	h := t.handlers[event]
	t.mu.RUnlock()
	if h == nil {
		t.logger.Debugf("no handler for %s", event)
		return
	}
	h(context.Background(), transport.Inbound{Conn: conn, Event: event, Payload: json.RawMessage(msg.Payload())})
}

// Publish sends the JSON encoded payload to the target's topic, retrying
// with exponential backoff until ctx is done.
func (t *Transport) Publish(ctx context.Context, target transport.Target, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	topic := t.OutboundTopic(target, event)
	var publishErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		token := t.cli.Publish(topic, t.qosFor("outbound"), false, data)
		select {
		case <-token.Done():
			publishErr = token.Error()
		case <-ctx.Done():
			publishErr = ctx.Err()
		}
		if publishErr == nil {
			t.logger.Debugf("published %s to %s", event, topic)
			return nil
		}
		t.logger.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		if ctx.Err() != nil || attempt == t.maxRetries {
			break
		}
		select {
		case <-time.After(t.backoff * time.Duration(1<<attempt)):
		case <-ctx.Done():
		}
	}
	monitoring.CaptureException(publishErr, map[string]string{"target": string(target), "event": event, "module": "mqtt"})
	return publishErr
}

// Close gracefully closes the MQTT connection.
func (t *Transport) Close() {
	if t.cli != nil && t.cli.IsConnected() {
		t.cli.Disconnect(250)
	}
}
