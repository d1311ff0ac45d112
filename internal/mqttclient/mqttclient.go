// Package mqttclient wraps the callback-driven eclipse/paho.mqtt.golang
// client with the connection-lifecycle, TLS, and backoff behaviour the
// gateway needs to talk to the cloud broker.
package mqttclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/cenkalti/backoff/v4"

	"github.com/vineguard/edge-gateway/internal/config"
	"github.com/vineguard/edge-gateway/internal/logger"
)

const defaultQoS = 1
const disconnectQuiesceMillis = 250

// ConnectionListener is invoked with true on successful connect and false
// on disconnect. It runs on the paho network-loop goroutine and MUST NOT
// block it — implementations should only schedule work.
type ConnectionListener func(connected bool)

// OnMessage is invoked for every message received on a subscribed topic,
// also from the paho network-loop goroutine.
type OnMessage func(topic string, payload []byte)

// Client wraps a paho MQTT client with connection tracking, a
// connection-listener registry, and a best-effort, non-blocking publish
// that the gateway core uses to decide whether to queue a message instead.
type Client struct {
	cfg    *config.Config
	lg     logger.Logger
	client MQTT.Client
	onMsg  OnMessage

	mu        sync.Mutex // guards publish against a racing disconnect
	connected bool

	listenersMu sync.RWMutex
	listeners   []ConnectionListener

	backoffPolicy *backoff.ExponentialBackOff
}

// New builds a Client from cfg. It does not connect yet — call Start.
func New(cfg *config.Config, onMsg OnMessage, lg logger.Logger) (*Client, error) {
	if lg == nil {
		lg = logger.Null
	}

	c := &Client{cfg: cfg, lg: lg, onMsg: onMsg}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s", brokerScheme(cfg), cfg.MQTTAddress()))
	opts.SetClientID(cfg.GatewayID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}
	opts.SetCleanSession(false) // keep broker-side subscription state across reconnects
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Duration(cfg.MQTTBackoffMax * float64(time.Second)))
	opts.SetConnectionLostHandler(c.handleDisconnect)
	opts.SetOnConnectHandler(c.handleConnect)
	opts.SetDefaultPublishHandler(c.handleMessage)

	if cfg.MQTTUseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("mqttclient: tls config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	c.client = MQTT.NewClient(opts)
	c.backoffPolicy = backoffPolicy(cfg)

	return c, nil
}

func brokerScheme(cfg *config.Config) string {
	if cfg.MQTTUseTLS {
		return "ssl"
	}
	return "tcp"
}

// buildTLSConfig assembles a *tls.Config from the configured CA/client
// cert material. As documented in the gateway's open design questions,
// hostname verification is disabled whenever any certificate material is
// configured, independent of the insecure-bypass flag.
func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.MQTTTLSInsecure}

	if cfg.MQTTCACert != "" {
		pem, err := os.ReadFile(cfg.MQTTCACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse CA cert %s", cfg.MQTTCACert)
		}
		tlsConfig.RootCAs = pool
		tlsConfig.InsecureSkipVerify = true
	}

	if cfg.MQTTClientCert != "" && cfg.MQTTClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.MQTTClientCert, cfg.MQTTClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		tlsConfig.InsecureSkipVerify = true
	}

	return tlsConfig, nil
}

// backoffPolicy builds the exponential backoff, starting at backoffBase and
// capped at backoffMax, that Start uses to retry the initial connect; each
// retry delay is logged. paho's own automatic reconnect only shares the
// backoffMax ceiling (via SetMaxReconnectInterval in New).
func backoffPolicy(cfg *config.Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(cfg.MQTTBackoffBase * float64(time.Second))
	b.MaxInterval = time.Duration(cfg.MQTTBackoffMax * float64(time.Second))
	b.MaxElapsedTime = 0 // retry forever; paho's own loop drives reconnection
	return b
}

// Start kicks off the initial connection attempt in the background. The
// first connect is retried with backoffPolicy, since paho's own
// SetAutoReconnect only engages after a first successful connection; later
// reconnects are paced by paho, capped at the same maximum interval. Start
// never blocks the caller.
func (c *Client) Start() {
	c.lg.Infof("connecting to mqtt broker host=%s port=%d tls=%t", c.cfg.MQTTHost, c.cfg.MQTTPort, c.cfg.MQTTUseTLS)
	go func() {
		attempt := func() error {
			token := c.client.Connect()
			token.Wait()
			return token.Error()
		}
		notify := func(err error, wait time.Duration) {
			c.lg.Warnf("initial mqtt connect failed, retrying in %s: %s", wait, err)
		}
		if err := backoff.RetryNotify(attempt, c.backoffPolicy, notify); err != nil {
			c.lg.Errorf("mqtt initial connect gave up: %s", err)
		}
	}()
}

// Stop halts the network loop and disconnects cleanly. Errors are logged,
// never propagated — shutdown must not be blocked by a broker hiccup.
func (c *Client) Stop() {
	c.client.Disconnect(disconnectQuiesceMillis)
	c.lg.Infof("disconnected from mqtt broker %s", c.cfg.MQTTAddress())
}

// Publish attempts a best-effort QoS-1 publish. It never waits on the
// broker's PUBACK: it only hands the message to paho's local send queue and
// returns false if paho has already completed the token with an error. It
// also returns false whenever the client is currently disconnected — callers
// interpret false as "queue this instead".
func (c *Client) Publish(topic, payload string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return false
	}

	token := c.client.Publish(topic, defaultQoS, false, payload)
	select {
	case <-token.Done():
		if token.Error() != nil {
			return false
		}
	default:
	}
	return true
}

// Subscribe registers a subscription. If currently disconnected, paho
// rejects the request and the failure is logged; this client keeps no record
// of it, so a caller re-issues it after a connect (the gateway core does so
// from its connection listener). Once established, clean-session=false keeps
// the subscription on the broker across reconnects.
func (c *Client) Subscribe(topic string) {
	token := c.client.Subscribe(topic, defaultQoS, nil)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			c.lg.Warnf("mqtt subscribe deferred topic=%s err=%s", topic, err)
		} else {
			c.lg.Infof("mqtt subscribed topic=%s", topic)
		}
	}()
}

// AddConnectionListener registers cb to be invoked on every connect and
// disconnect transition. The listener list is append-only after startup,
// so concurrent iteration from the network-loop goroutine is safe without
// locking the writer against the reader — but New/Start happen before any
// listener fires, so we still guard with a mutex for defensive clarity.
//
// The parameter is an unnamed func(bool) rather than the ConnectionListener
// named type above, so that this method's signature matches core.Publisher's
// interface method exactly (Go requires identical, not just assignable,
// parameter types to satisfy an interface).
func (c *Client) AddConnectionListener(cb func(connected bool)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, cb)
}

// IsConnected reports the current connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) handleConnect(MQTT.Client) {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.lg.Infof("connected to mqtt broker %s", c.cfg.MQTTAddress())
	c.notifyListeners(true)
}

func (c *Client) handleDisconnect(_ MQTT.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.lg.Warnf("disconnected from mqtt broker: %s", err)
	c.notifyListeners(false)
}

// notifyListeners calls every registered listener, catching panics so one
// bad listener cannot break the others or crash the network-loop goroutine.
func (c *Client) notifyListeners(connected bool) {
	c.listenersMu.RLock()
	listeners := make([]ConnectionListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, listener := range listeners {
		c.safeNotify(listener, connected)
	}
}

func (c *Client) safeNotify(listener ConnectionListener, connected bool) {
	defer func() {
		if r := recover(); r != nil {
			c.lg.Errorf("mqtt connection listener panicked: %v", r)
		}
	}()
	listener(connected)
}

func (c *Client) handleMessage(_ MQTT.Client, msg MQTT.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.lg.Errorf("mqtt message handler panicked: %v", r)
		}
	}()
	if c.onMsg != nil {
		c.onMsg(msg.Topic(), msg.Payload())
	}
}
