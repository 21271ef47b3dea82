// Package channel owns the client's single real-time connection to the sync server.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/coder/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

var (
	ErrNotConnected   = errors.New("channel: not connected")
	ErrChannelFailure = errors.New("channel: failure")

	errSuperseded = errors.New("channel: attempt superseded")
)

// Handlers receive channel callbacks. OnEvent runs on the connection's read
// goroutine, one event at a time. Neither OnEvent nor OnConnected may call
// Disconnect.
type Handlers struct {
	OnConnected    func(ctx context.Context)
	OnDisconnected func(err error)
	OnEvent        func(envelope protocol.Envelope)
}

type Config struct {
	ServerURL         string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
	Logger            *zap.Logger
}

// SyncChannel is a reconnecting WebSocket connection with an explicit lifecycle.
// Every attempt loop and connection carries the generation it was started
// under; work from an older generation is discarded.
type SyncChannel struct {
	url              string
	retries          uint64
	reconnectDelay   time.Duration
	handshakeTimeout time.Duration
	handlers         Handlers
	logger           *zap.Logger

	stateMu    sync.Mutex
	state      State
	lastErr    error
	conn       *websocket.Conn
	generation uint64
	attempting bool
	parent     context.Context
	cancel     context.CancelFunc

	// deliverMu is held while an event is handed to OnEvent so Disconnect can
	// wait for the in-flight one.
	deliverMu sync.Mutex
	// connectedWG counts running OnConnected calls. Add happens under stateMu
	// in promote, so it never races a Wait that follows a generation bump.
	connectedWG sync.WaitGroup
}

func New(cfg Config, handlers Handlers) (*SyncChannel, error) {
	wsURL, err := WebSocketURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	if cfg.ReconnectAttempts < 0 {
		return nil, fmt.Errorf("channel: reconnect attempts must not be negative")
	}
	if cfg.ReconnectDelay <= 0 || cfg.HandshakeTimeout <= 0 {
		return nil, fmt.Errorf("channel: reconnect delay and handshake timeout must be positive")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SyncChannel{
		url:              wsURL,
		retries:          uint64(cfg.ReconnectAttempts),
		reconnectDelay:   cfg.ReconnectDelay,
		handshakeTimeout: cfg.HandshakeTimeout,
		handlers:         handlers,
		logger:           logger.With(zap.String("url", wsURL)),
		state:            StateDisconnected,
	}, nil
}

// WebSocketURL maps a server base URL to its sync endpoint.
func WebSocketURL(serverURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("channel: invalid server url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("channel: unsupported server url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("channel: server url has no host")
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	return parsed.String(), nil
}

func (c *SyncChannel) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// LastError returns the most recent connect or connection failure, cleared on connect.
func (c *SyncChannel) LastError() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastErr
}

// Connect starts an attempt loop unless one is already running or the channel
// is connected. It does not wait for the handshake.
func (c *SyncChannel) Connect(ctx context.Context) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.startLocked(ctx)
}

// Reconnect drops the current connection, if any, and starts a fresh attempt loop.
func (c *SyncChannel) Reconnect(ctx context.Context) {
	c.Disconnect()
	c.Connect(ctx)
}

// Disconnect closes the connection and cancels any attempt loop. It waits for a
// running OnConnected call to return. No event is delivered after it returns,
// and the channel does not reconnect on its own.
func (c *SyncChannel) Disconnect() {
	c.stateMu.Lock()
	c.generation++
	c.attempting = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	wasConnected := c.state == StateConnected
	if c.state != StateDisconnected {
		c.transitionLocked(StateDisconnected)
	}
	c.stateMu.Unlock()

	// Wait out an in-flight delivery; later ones see the new generation.
	c.deliverMu.Lock()
	c.deliverMu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.connectedWG.Wait()
	if wasConnected {
		c.logger.Info("sync channel disconnected")
		if c.handlers.OnDisconnected != nil {
			c.handlers.OnDisconnected(nil)
		}
	}
}

// Send writes one envelope. It does not wait for any acknowledgment.
func (c *SyncChannel) Send(ctx context.Context, envelope protocol.Envelope) error {
	c.stateMu.Lock()
	conn, state := c.conn, c.state
	c.stateMu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	frame, err := envelope.Encode()
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrChannelFailure, envelope.Event, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrChannelFailure, envelope.Event, err)
	}
	return nil
}

// startLocked must be called with stateMu held.
func (c *SyncChannel) startLocked(ctx context.Context) {
	if c.attempting || c.state != StateDisconnected {
		return
	}
	if ctx.Err() != nil {
		return
	}

	if c.conn != nil {
		_ = c.conn.CloseNow()
		c.conn = nil
	}
	if c.cancel != nil {
		c.cancel()
	}

	c.generation++
	generation := c.generation
	loopCtx, cancel := context.WithCancel(ctx)
	c.parent = ctx
	c.cancel = cancel
	c.attempting = true
	c.transitionLocked(StateConnecting)

	go c.attemptLoop(loopCtx, generation)
}

func (c *SyncChannel) attemptLoop(ctx context.Context, generation uint64) {
	var (
		conn    *websocket.Conn
		attempt int
	)
	backoff := retry.WithMaxRetries(c.retries, retry.NewConstant(c.reconnectDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if !c.beginAttempt(generation) {
			return errSuperseded
		}
		dialed, err := c.dial(ctx)
		if err != nil {
			c.recordFailure(generation, attempt, err)
			return retry.RetryableError(err)
		}
		if !c.promote(generation, dialed) {
			_ = dialed.CloseNow()
			return errSuperseded
		}
		conn = dialed
		return nil
	})

	c.finishAttempts(generation, err)
	if err != nil {
		return
	}
	defer c.connectedWG.Done()

	c.logger.Info("sync channel connected", zap.Int("attempt", attempt))
	go c.readLoop(ctx, generation, conn)
	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected(ctx)
	}
}

func (c *SyncChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *SyncChannel) beginAttempt(generation uint64) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if generation != c.generation {
		return false
	}
	if c.state == StateDisconnected {
		c.transitionLocked(StateConnecting)
	}
	return true
}

func (c *SyncChannel) recordFailure(generation uint64, attempt int, err error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if generation != c.generation {
		return
	}
	c.lastErr = fmt.Errorf("%w: connect: %v", ErrChannelFailure, err)
	if c.state == StateConnecting {
		c.transitionLocked(StateDisconnected)
	}
	c.logger.Warn("sync channel connect failed", zap.Int("attempt", attempt), zap.Error(err))
}

func (c *SyncChannel) promote(generation uint64, conn *websocket.Conn) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if generation != c.generation {
		return false
	}
	c.transitionLocked(StateConnected)
	c.conn = conn
	c.lastErr = nil
	c.connectedWG.Add(1)
	return true
}

func (c *SyncChannel) finishAttempts(generation uint64, err error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if generation != c.generation {
		return
	}
	c.attempting = false
	if err == nil || errors.Is(err, errSuperseded) {
		return
	}
	if c.state == StateConnecting {
		c.transitionLocked(StateDisconnected)
	}
	if c.lastErr == nil {
		c.lastErr = fmt.Errorf("%w: %v", ErrChannelFailure, err)
	}
	c.logger.Warn("sync channel gave up connecting", zap.Error(err))
}

func (c *SyncChannel) readLoop(ctx context.Context, generation uint64, conn *websocket.Conn) {
	for {
		messageType, frame, err := conn.Read(ctx)
		if err != nil {
			c.handleDrop(generation, err)
			return
		}
		if messageType != websocket.MessageText {
			continue
		}

		envelope, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn("sync channel dropped malformed frame", zap.Error(err))
			continue
		}
		c.deliver(generation, envelope)
	}
}

func (c *SyncChannel) deliver(generation uint64, envelope protocol.Envelope) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	if !c.isCurrent(generation) {
		return
	}
	if c.handlers.OnEvent != nil {
		c.handlers.OnEvent(envelope)
	}
}

func (c *SyncChannel) isCurrent(generation uint64) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return generation == c.generation && c.state == StateConnected
}

// handleDrop runs when an established connection fails. It reports the drop and
// lets the retry policy reconnect.
func (c *SyncChannel) handleDrop(generation uint64, err error) {
	c.stateMu.Lock()
	if generation != c.generation || c.state != StateConnected {
		c.stateMu.Unlock()
		return
	}
	c.conn = nil
	dropErr := fmt.Errorf("%w: connection lost: %v", ErrChannelFailure, err)
	c.lastErr = dropErr
	c.transitionLocked(StateDisconnected)
	parent := c.parent
	c.stateMu.Unlock()

	c.logger.Warn("sync channel lost connection", zap.Error(err))
	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected(dropErr)
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if generation == c.generation && parent != nil {
		c.startLocked(parent)
	}
}

// transitionLocked must be called with stateMu held.
func (c *SyncChannel) transitionLocked(newState State) {
	if err := c.state.validateTransitionTo(newState); err != nil {
		c.logger.Error("BUG: sync channel state transition rejected", zap.Error(err))
		return
	}
	c.state = newState
	c.logger.Debug("sync channel state transitioned", zap.Stringer("new_state", newState))
}
