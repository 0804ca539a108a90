// ws.go implements the WebSocket connection every adapter feed runs on.
//
// One WSClient owns one connection and its lifecycle:
//
//	DISCONNECTED → CONNECTING → CONNECTED → RECONNECTING → (CONNECTED|ERROR)
//
// Reconnects use exponential backoff with per-exchange parameters and
// re-subscribe to all tracked channels (unless the exchange's subscription
// strategy says streams survive). Authentication failures never retry.
// Malformed frames are logged, counted, and dropped; the connection stays up.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"crossarb/internal/errs"
	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

const writeTimeout = 10 * time.Second

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateReconnecting ConnState = "RECONNECTING"
	StateError        ConnState = "ERROR"
)

// MessageType discriminates parsed frames.
type MessageType string

const (
	MsgOrderbook  MessageType = "ORDERBOOK"
	MsgTrade      MessageType = "TRADE"
	MsgBookTicker MessageType = "BOOK_TICKER"
	MsgBalance    MessageType = "BALANCE"
	MsgOrder      MessageType = "ORDER"
	MsgExecution  MessageType = "EXECUTION"
	MsgHeartbeat  MessageType = "HEARTBEAT"
	MsgSubConfirm MessageType = "SUBSCRIPTION_CONFIRM"
	MsgError      MessageType = "ERROR"
	MsgUnknown    MessageType = "UNKNOWN"
)

// ParsedMessage is one decoded frame. Data holds the adapter-specific
// payload already converted to domain records.
type ParsedMessage struct {
	Type    MessageType
	Channel string
	Symbol  types.Symbol
	Data    any
}

// Subscription names one (channel, symbol) stream.
type Subscription struct {
	Channel string
	Symbol  types.Symbol
}

// SubscriptionStrategy formats subscription traffic for one exchange.
type SubscriptionStrategy interface {
	// SubscribeMessages returns the frames to send for the given streams.
	SubscribeMessages(subs []Subscription) ([]any, error)
	// UnsubscribeMessages returns the frames that tear the streams down.
	UnsubscribeMessages(subs []Subscription) ([]any, error)
	// ResubscribeOnReconnect reports whether streams must be re-established
	// after a reconnect. Defaults to true for every supported venue.
	ResubscribeOnReconnect() bool
}

// MessageParser maps raw frames to ParsedMessages. frameType is the
// websocket frame type; binary frames are dispatched on it first.
type MessageParser interface {
	Parse(frameType int, data []byte) (ParsedMessage, error)
}

// WSConfig assembles one connection.
type WSConfig struct {
	Exchange string

	// URL is resolved at each connect attempt so session tokens (listen
	// keys) embedded in the URL stay fresh.
	URL func(ctx context.Context) (string, error)

	Parser       MessageParser
	Subscription SubscriptionStrategy

	// OnConnect runs after the handshake, before resubscription. Used for
	// in-band login frames. An AuthenticationError here stops reconnects.
	OnConnect func(ctx context.Context, send func(any) error) error

	ConnectTimeout       time.Duration
	PingInterval         time.Duration // built-in ping/pong keepalive
	HeartbeatInterval    time.Duration // app-level heartbeat; exclusive with PingInterval
	Heartbeat            func() any    // heartbeat frame factory
	ReconnectDelay       time.Duration
	ReconnectBackoff     float64
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int // 0 = unlimited
	MaxMessageSize       int64
	MaxQueueSize         int
	EnableCompression    bool
	ReadTimeout          time.Duration
}

// WSClient manages a single WebSocket connection.
type WSClient struct {
	cfg    WSConfig
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	stateMu  sync.RWMutex
	state    ConnState
	onState  []func(ConnState)
	everConn bool

	subMu sync.RWMutex
	subs  map[Subscription]bool

	msgCh chan ParsedMessage
}

// NewWSClient creates the client; Run must be called to connect.
func NewWSClient(cfg WSConfig, logger *slog.Logger) (*WSClient, error) {
	if cfg.PingInterval > 0 && cfg.HeartbeatInterval > 0 {
		return nil, fmt.Errorf("built-in ping and app heartbeat are mutually exclusive")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = 256
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.ReconnectBackoff < 1 {
		cfg.ReconnectBackoff = 2
	}
	if cfg.MaxReconnectDelay == 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	return &WSClient{
		cfg:    cfg,
		logger: logger.With("component", "ws", "exchange", cfg.Exchange),
		state:  StateDisconnected,
		subs:   make(map[Subscription]bool),
		msgCh:  make(chan ParsedMessage, cfg.MaxQueueSize),
	}, nil
}

// Messages returns the stream of parsed frames. Delivered in receive order.
func (c *WSClient) Messages() <-chan ParsedMessage { return c.msgCh }

// State returns the current connection state.
func (c *WSClient) State() ConnState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// OnStateChange registers a state transition handler. Handlers run on the
// connection goroutine and must not block.
func (c *WSClient) OnStateChange(fn func(ConnState)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.onState = append(c.onState, fn)
}

func (c *WSClient) setState(s ConnState) {
	c.stateMu.Lock()
	if c.state == s {
		c.stateMu.Unlock()
		return
	}
	c.state = s
	handlers := append([]func(ConnState){}, c.onState...)
	c.stateMu.Unlock()

	metrics.WSStateTransitions.WithLabelValues(c.cfg.Exchange, string(s)).Inc()
	for _, fn := range handlers {
		fn(s)
	}
}

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled, auth fails, or the attempt budget is exhausted.
func (c *WSClient) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectDelay
	attempts := 0

	for {
		if c.everConn {
			c.setState(StateReconnecting)
			metrics.WSReconnects.WithLabelValues(c.cfg.Exchange).Inc()
		} else {
			c.setState(StateConnecting)
		}

		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		var authErr *errs.AuthenticationError
		if errors.As(err, &authErr) {
			c.logger.Error("authentication failed, not reconnecting", "error", err)
			c.setState(StateError)
			return err
		}

		attempts++
		if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
			c.setState(StateError)
			return fmt.Errorf("websocket gave up after %d attempts: %w", attempts, err)
		}

		c.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", delay)
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * c.cfg.ReconnectBackoff)
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

// Subscribe adds streams and, when connected, sends the subscribe frames.
func (c *WSClient) Subscribe(subs []Subscription) error {
	c.subMu.Lock()
	for _, s := range subs {
		c.subs[s] = true
	}
	c.subMu.Unlock()

	if c.State() != StateConnected {
		return nil // sent on (re)connect
	}
	return c.sendSubscriptions(subs)
}

// Unsubscribe removes streams.
func (c *WSClient) Unsubscribe(subs []Subscription) error {
	c.subMu.Lock()
	for _, s := range subs {
		delete(c.subs, s)
	}
	c.subMu.Unlock()

	if c.State() != StateConnected {
		return nil
	}
	msgs, err := c.cfg.Subscription.UnsubscribeMessages(subs)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := c.Send(m); err != nil {
			return err
		}
	}
	return nil
}

// Send writes one JSON frame with a write deadline.
func (c *WSClient) Send(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Close tears down the current connection.
func (c *WSClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *WSClient) sendSubscriptions(subs []Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	msgs, err := c.cfg.Subscription.SubscribeMessages(subs)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := c.Send(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *WSClient) connectAndRead(ctx context.Context) error {
	wsURL, err := c.cfg.URL(ctx)
	if err != nil {
		return fmt.Errorf("resolve url: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  c.cfg.ConnectTimeout,
		EnableCompression: c.cfg.EnableCompression,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if c.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageSize)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	if c.cfg.OnConnect != nil {
		if err := c.cfg.OnConnect(ctx, c.Send); err != nil {
			return err
		}
	}

	wasReconnect := c.everConn
	c.everConn = true
	c.setState(StateConnected)
	c.logger.Info("websocket connected", "reconnect", wasReconnect)

	// Resubscribe to everything we track.
	if !wasReconnect || c.cfg.Subscription == nil || c.cfg.Subscription.ResubscribeOnReconnect() {
		c.subMu.RLock()
		subs := make([]Subscription, 0, len(c.subs))
		for s := range c.subs {
			subs = append(subs, s)
		}
		c.subMu.RUnlock()
		if c.cfg.Subscription != nil {
			if err := c.sendSubscriptions(subs); err != nil {
				return fmt.Errorf("resubscribe: %w", err)
			}
		}
	}

	keepCtx, keepCancel := context.WithCancel(ctx)
	defer keepCancel()
	if c.cfg.PingInterval > 0 {
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
			return nil
		})
		go c.pingLoop(keepCtx)
	} else if c.cfg.HeartbeatInterval > 0 && c.cfg.Heartbeat != nil {
		go c.heartbeatLoop(keepCtx)
	}

	// Read loop with deadline so silent servers trigger a reconnect.
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		frameType, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(frameType, msg)
	}
}

// dispatch parses one frame and forwards it. Parse failures are recorded
// with a correlation id and dropped; the reader keeps going.
func (c *WSClient) dispatch(frameType int, data []byte) {
	parsed, err := c.cfg.Parser.Parse(frameType, data)
	if err != nil {
		var perr *errs.ParsingError
		channel := "unknown"
		if errors.As(err, &perr) {
			channel = perr.Channel
		}
		metrics.WSParseErrors.WithLabelValues(c.cfg.Exchange, channel).Inc()
		c.logger.Error("dropping malformed frame",
			"correlation_id", uuid.NewString(),
			"channel", channel,
			"error", err,
			"raw", truncate(data, 256),
		)
		return
	}

	switch parsed.Type {
	case MsgHeartbeat:
		return
	case MsgSubConfirm:
		metrics.WSSubscriptions.WithLabelValues(c.cfg.Exchange, parsed.Channel).Inc()
		c.logger.Debug("subscription confirmed", "channel", parsed.Channel)
		return
	case MsgUnknown:
		c.logger.Debug("ignoring ws message", "channel", parsed.Channel)
		return
	}

	select {
	case c.msgCh <- parsed:
	default:
		c.logger.Warn("message queue full, dropping frame", "channel", parsed.Channel)
	}
}

func (c *WSClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					c.logger.Warn("ping failed", "error", err)
					c.connMu.Unlock()
					return
				}
			}
			c.connMu.Unlock()
		}
	}
}

func (c *WSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Send(c.cfg.Heartbeat()); err != nil {
				c.logger.Warn("heartbeat failed", "error", err)
				return
			}
		}
	}
}

// StaticURL adapts a fixed URL to the WSConfig.URL contract.
func StaticURL(u string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return u, nil }
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
