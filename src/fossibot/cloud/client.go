// Package cloud maintains one persistent MQTT-over-WebSocket session per
// account against the Fossibot cloud. The MQTT 3.1.1 subset is implemented
// directly on the WebSocket because the protocol requires behavior no
// client library exposes: CONNACK refusal codes must invalidate cached
// credentials, packets arrive without any alignment to WebSocket frames,
// and the client identifier format is mandated by the server.
package cloud

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sandrolain/fossibot-bridge/src/fossibot/auth"
	"github.com/sandrolain/fossibot-bridge/src/fossibot/signer"
)

// State is the connection lifecycle of one cloud session.
type State int32

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateWSConnecting
	StateMQTTHandshake
	StateSubscribing
	StateConnected
	StateReconnectScheduled
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateWSConnecting:
		return "WS_CONNECTING"
	case StateMQTTHandshake:
		return "MQTT_HANDSHAKE"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnectScheduled:
		return "RECONNECT_SCHEDULED"
	case StateFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Handlers receive session events. All callbacks run on the client's own
// goroutines; implementations must not block.
type Handlers struct {
	OnConnect            func()
	OnMessage            func(topic string, payload []byte)
	OnDisconnect         func(err error)
	OnError              func(err error)
	OnReconnectScheduled func(delay time.Duration)
}

// Config tunes one cloud session.
type Config struct {
	Email string
	// URL overrides the vendor MQTT endpoint (tests point it at a local
	// server). Empty selects wss://<vendor-host>:8083/mqtt.
	URL string
	// TLS is the client TLS configuration (bundled CA). Ignored for ws://.
	TLS *tls.Config

	KeepAlive    time.Duration // default 60 s
	ReconnectMin time.Duration // default 5 s
	ReconnectMax time.Duration // default 60 s
	// MinAttemptInterval is the floor between connection attempts,
	// defensive against tight crash loops. Default 5 s.
	MinAttemptInterval time.Duration

	Handlers Handlers
}

const (
	wsConnectTimeout = 30 * time.Second
	connackTimeout   = 15 * time.Second
	pubackTimeout    = 10 * time.Second
	fatalRetryDelay  = 5 * time.Minute
	// maxFullFailures is the consecutive full-handshake failure count that
	// moves the account to FATAL.
	maxFullFailures = 5
	// tier1FailureLimit escalates to re-authentication after this many
	// consecutive transport-level failures.
	tier1FailureLimit = 3
)

var errCredentialsRefused = errors.New("cloud: broker refused credentials")

type pendingPublish struct {
	topic  string
	sentAt time.Time
}

// Client is the asynchronous cloud session for one account.
type Client struct {
	cfg  Config
	auth *auth.Engine
	log  *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	subs        []string
	pendingSub  map[uint16]string
	pendingPub  map[uint16]pendingPublish
	nextID      uint16
	lastTraffic time.Time
	lastAttempt time.Time
	// authLevel is the tier-2 escalation rung to apply before the next
	// handshake: 0 none, 1 purge mqtt, 2 purge login+mqtt, 3 purge all.
	authLevel int

	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient builds a client; Connect starts it.
func NewClient(cfg Config, engine *auth.Engine) *Client {
	if cfg.URL == "" {
		cfg.URL = fmt.Sprintf("wss://%s:%d/mqtt", signer.MQTTHost, signer.MQTTPort)
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 5 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60 * time.Second
	}
	if cfg.MinAttemptInterval <= 0 {
		cfg.MinAttemptInterval = 5 * time.Second
	}
	return &Client{
		cfg:        cfg,
		auth:       engine,
		log:        slog.Default().With("context", "CloudClient", "account", auth.MaskEmail(cfg.Email)),
		pendingSub: map[uint16]string{},
		pendingPub: map[uint16]pendingPublish{},
	}
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the MQTT session is established.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect launches the session loop. It returns immediately; progress is
// reported through the handlers.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return errors.New("cloud: client already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Subscribe records topic as a desired subscription and, when the session is
// up, sends the SUBSCRIBE immediately. Desired subscriptions survive
// reconnects.
func (c *Client) Subscribe(topic string) error {
	c.mu.Lock()
	for _, t := range c.subs {
		if t == topic {
			c.mu.Unlock()
			return nil
		}
	}
	c.subs = append(c.subs, topic)
	connected := c.state == StateConnected
	var id uint16
	if connected {
		id = c.allocatePacketIDLocked()
		c.pendingSub[id] = topic
	}
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.write(encodeSubscribe(id, []string{topic}))
}

// Publish sends payload on topic. QoS-1 publishes allocate a packet id but
// keep no retransmission buffer: a missing PUBACK is logged after 10 s and
// the higher-level polling recovers the state.
func (c *Client) Publish(topic string, payload []byte, qos byte) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("cloud: not connected (%s)", c.state)
	}
	var id uint16
	if qos > 0 {
		id = c.allocatePacketIDLocked()
		c.pendingPub[id] = pendingPublish{topic: topic, sentAt: time.Now()}
	}
	c.mu.Unlock()

	return c.write(encodePublish(id, topic, payload, qos))
}

// allocatePacketIDLocked cycles 1..65535, skipping 0 on wrap.
func (c *Client) allocatePacketIDLocked() uint16 {
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	return c.nextID
}

// Shutdown sends DISCONNECT, closes the WebSocket and stops the loop.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected && conn != nil {
		if err := c.write(encodeDisconnect()); err != nil {
			c.log.Debug("disconnect write failed", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// run is the reconnect controller. Tier 1 retries the transport with
// exponential backoff while tokens stay valid; tier 2 walks the token
// purge ladder on credential refusals or repeated tier-1 failures.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateDisconnected)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectMin
	bo.MaxInterval = c.cfg.ReconnectMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	tier1Failures := 0
	fullFailures := 0

	for {
		if err := c.waitAttemptSlot(ctx); err != nil {
			return
		}

		established, err := c.session(ctx, bo)
		if ctx.Err() != nil {
			return
		}
		if established {
			// The session came up; the failure budget starts over.
			tier1Failures = 0
			fullFailures = 0
		}

		switch {
		case errors.Is(err, errCredentialsRefused):
			// CONNACK 4/5: the mqtt token is already purged by the
			// handshake; escalate the ladder for the next attempt.
			c.escalateAuth()
			tier1Failures = 0
		case errors.Is(err, auth.ErrRejected):
			c.escalateAuth()
			fullFailures++
			tier1Failures = 0
		default:
			tier1Failures++
			if tier1Failures >= tier1FailureLimit {
				c.log.Warn("repeated transport failures, escalating to re-authentication",
					"failures", tier1Failures)
				c.escalateAuth()
				tier1Failures = 0
			}
		}

		if fullFailures >= maxFullFailures {
			c.setState(StateFatal)
			c.log.Error("entering FATAL after repeated handshake failures",
				"failures", fullFailures)
			if c.cfg.Handlers.OnError != nil {
				c.cfg.Handlers.OnError(fmt.Errorf("cloud: account fatal after %d handshake failures", fullFailures))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(fatalRetryDelay):
			}
			fullFailures = 0
			bo.Reset()
			continue
		}

		delay := bo.NextBackOff()
		c.setState(StateReconnectScheduled)
		if c.cfg.Handlers.OnReconnectScheduled != nil {
			c.cfg.Handlers.OnReconnectScheduled(delay)
		}
		c.log.Info("reconnect scheduled", "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// waitAttemptSlot enforces the minimum interval between connection attempts.
func (c *Client) waitAttemptSlot(ctx context.Context) error {
	c.mu.Lock()
	last := c.lastAttempt
	c.mu.Unlock()

	if wait := c.cfg.MinAttemptInterval - time.Since(last); wait > 0 && !last.IsZero() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	c.mu.Lock()
	c.lastAttempt = time.Now()
	c.mu.Unlock()
	return nil
}

// escalateAuth advances the tier-2 purge ladder: mqtt token, then login,
// then everything.
func (c *Client) escalateAuth() {
	c.mu.Lock()
	if c.authLevel < 3 {
		c.authLevel++
	}
	level := c.authLevel
	c.mu.Unlock()

	switch level {
	case 1:
		c.auth.PurgeMQTT()
	case 2:
		c.auth.PurgeLogin()
	default:
		c.auth.PurgeAll()
	}
}

// session performs one full connect and serves it until the connection
// dies. established reports whether the MQTT session came up at all.
func (c *Client) session(ctx context.Context, bo *backoff.ExponentialBackOff) (bool, error) {
	c.setState(StateAuthenticating)
	tokens, err := c.auth.Tokens(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return false, err
	}

	c.setState(StateWSConnecting)
	dialer := websocket.Dialer{
		Subprotocols:     []string{"mqtt"},
		TLSClientConfig:  c.cfg.TLS,
		HandshakeTimeout: wsConnectTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return false, fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.pendingSub = map[uint16]string{}
	c.pendingPub = map[uint16]pendingPublish{}
	c.lastTraffic = time.Now()
	c.mu.Unlock()

	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	dec := &decoder{}
	if err := c.handshake(conn, dec, tokens.MQTT); err != nil {
		c.setState(StateDisconnected)
		return false, err
	}

	c.setState(StateSubscribing)
	if err := c.resubscribe(); err != nil {
		c.setState(StateDisconnected)
		return false, err
	}

	c.setState(StateConnected)
	c.mu.Lock()
	c.authLevel = 0
	c.mu.Unlock()
	bo.Reset()
	c.log.Info("cloud session established")
	if c.cfg.Handlers.OnConnect != nil {
		c.cfg.Handlers.OnConnect()
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.keepaliveLoop(pingCtx, conn)

	err = c.readLoop(ctx, conn, dec)
	c.setState(StateDisconnected)
	if c.cfg.Handlers.OnDisconnect != nil {
		c.cfg.Handlers.OnDisconnect(err)
	}
	if ctx.Err() != nil {
		return true, nil
	}
	return true, err
}

// handshake sends CONNECT and waits for the CONNACK within 15 s.
func (c *Client) handshake(conn *websocket.Conn, dec *decoder, mqttToken string) error {
	c.setState(StateMQTTHandshake)

	clientID := fmt.Sprintf("client_%s_%d",
		strings.ReplaceAll(uuid.NewString(), "-", "")[:24], time.Now().UnixMilli())
	keepAlive := uint16(c.cfg.KeepAlive / time.Second)
	if err := c.write(encodeConnect(clientID, mqttToken, signer.MQTTPassword, keepAlive)); err != nil {
		return fmt.Errorf("CONNECT write: %w", err)
	}

	deadline := time.Now().Add(connackTimeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for CONNACK: %w", err)
		}
		packets, err := dec.Feed(data)
		if err != nil {
			return err
		}
		for _, p := range packets {
			if p.Type != packetConnack {
				continue
			}
			code, err := p.connackCode()
			if err != nil {
				return err
			}
			switch code {
			case 0:
				return nil
			case 4, 5:
				// Credential failure invalidates the cached mqtt token.
				c.log.Warn("CONNACK refused credentials", "code", code)
				c.auth.PurgeMQTT()
				return fmt.Errorf("%w: CONNACK code %d", errCredentialsRefused, code)
			default:
				return fmt.Errorf("cloud: CONNACK refused, code %d", code)
			}
		}
	}
}

// resubscribe re-sends SUBSCRIBE for every desired topic of the account.
func (c *Client) resubscribe() error {
	c.mu.Lock()
	topics := append([]string(nil), c.subs...)
	ids := make([]uint16, len(topics))
	for i, t := range topics {
		ids[i] = c.allocatePacketIDLocked()
		c.pendingSub[ids[i]] = t
	}
	c.mu.Unlock()

	for i, t := range topics {
		if err := c.write(encodeSubscribe(ids[i], []string{t})); err != nil {
			return fmt.Errorf("SUBSCRIBE write: %w", err)
		}
	}
	return nil
}

// readLoop consumes WebSocket frames until the connection dies. Absence of
// any traffic for 1.5x the keep-alive means the connection is dead.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, dec *decoder) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.KeepAlive * 3 / 2)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.touchTraffic()

		packets, err := dec.Feed(data)
		if err != nil {
			// Malformed or unknown packets are dropped; buffered state is
			// gone, so the stream cannot be trusted further either way.
			c.log.Warn("dropping undecodable data", "error", err)
			dec.Reset()
			continue
		}
		for _, p := range packets {
			c.handlePacket(p)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Client) handlePacket(p packet) {
	switch p.Type {
	case packetPublish:
		pub, err := p.publish()
		if err != nil {
			c.log.Warn("dropping malformed PUBLISH", "error", err)
			return
		}
		if pub.QoS > 0 {
			if err := c.write(encodePuback(pub.ID)); err != nil {
				c.log.Debug("PUBACK write failed", "error", err)
			}
		}
		if c.cfg.Handlers.OnMessage != nil {
			c.cfg.Handlers.OnMessage(pub.Topic, pub.Payload)
		}
	case packetPuback:
		id, err := p.ackID()
		if err != nil {
			return
		}
		c.mu.Lock()
		delete(c.pendingPub, id)
		c.mu.Unlock()
	case packetSuback:
		id, err := p.ackID()
		if err != nil {
			return
		}
		c.mu.Lock()
		topic := c.pendingSub[id]
		delete(c.pendingSub, id)
		c.mu.Unlock()
		c.log.Debug("subscription active", "topic", topic)
	case packetPingresp:
		// Traffic already counted.
	case packetDisconnect:
		c.log.Info("server sent DISCONNECT")
	default:
		c.log.Warn("dropping unexpected packet", "type", p.Type)
	}
}

// keepaliveLoop sends PINGREQ when the connection has been idle for half
// the keep-alive, and expires unacknowledged QoS-1 publishes.
func (c *Client) keepaliveLoop(ctx context.Context, conn *websocket.Conn) {
	interval := c.cfg.KeepAlive / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastTraffic)
			var stale []uint16
			for id, pp := range c.pendingPub {
				if time.Since(pp.sentAt) > pubackTimeout {
					stale = append(stale, id)
				}
			}
			for _, id := range stale {
				topic := c.pendingPub[id].topic
				delete(c.pendingPub, id)
				c.log.Warn("no PUBACK received, dropping pending publish",
					"packetId", id, "topic", topic)
			}
			c.mu.Unlock()

			if idle >= interval {
				if err := c.write(encodePingreq()); err != nil {
					c.log.Debug("PINGREQ write failed", "error", err)
					return
				}
			}
		}
	}
}

func (c *Client) touchTraffic() {
	c.mu.Lock()
	c.lastTraffic = time.Now()
	c.mu.Unlock()
}

// write sends one MQTT packet as a single binary WebSocket frame.
func (c *Client) write(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("cloud: no connection")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	c.touchTraffic()
	return nil
}
