// Package gqlws implements the Connection Manager (spec.md §4.1): a
// graphql-transport-ws client that holds a device-state-change
// subscription alive across reconnects with bounded jittered backoff.
package gqlws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JeremiahJRRoss/polaris-device-subclient/internal/ingest"
)

// ErrAuthFailed marks a hard authentication failure: a 4401 close code,
// or an ack timeout on three consecutive attempts (spec.md §4.1). The
// manager keeps reconnecting regardless — this is surfaced for logging,
// not to stop the process.
var ErrAuthFailed = errors.New("graphql-ws authentication failed")

const closeCodeUnauthorized = 4401

// state is the Connection Manager's lifecycle state (spec.md §4.1).
type state int

const (
	stateIdle state = iota
	stateDialing
	stateAuthenticating
	stateSubscribed
	stateDraining
	stateBackoff
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateDialing:
		return "DIALING"
	case stateAuthenticating:
		return "AUTHENTICATING"
	case stateSubscribed:
		return "SUBSCRIBED"
	case stateDraining:
		return "DRAINING"
	case stateBackoff:
		return "BACKOFF"
	default:
		return "UNKNOWN"
	}
}

// Conn is the subset of *websocket.Conn the manager needs, so tests can
// inject a fake transport (spec.md §9 "SUPPLEMENTED FEATURES" note).
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a new transport connection to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// gorillaDialer is the production Dialer backed by gorilla/websocket.
type gorillaDialer struct{}

func (gorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// NewDialer returns the production Dialer.
func NewDialer() Dialer { return gorillaDialer{} }

// Config holds the per-session parameters the Connection Manager needs.
type Config struct {
	APIURL     string
	APIKey     string
	InstanceID string
	Backoff    BackoffConfig
}

// Client is the Connection Manager: it dials, authenticates,
// subscribes, and reconnects with backoff, handing every inbound frame
// downstream as a RawMessage (spec.md §4.1).
type Client struct {
	cfg    Config
	dialer Dialer
	queue  chan<- ingest.RawMessage
	logger *zap.Logger

	session          *ingest.SessionState
	ackTimeoutStreak int

	mu    sync.RWMutex
	state state
}

// State reports the Connection Manager's current lifecycle state
// (spec.md §4.1), useful for health checks and tests.
func (c *Client) State() state {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s state) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// NewClient builds a Connection Manager that feeds raw inbound frames
// into queue; normalization happens downstream.
func NewClient(cfg Config, dialer Dialer, queue chan<- ingest.RawMessage, logger *zap.Logger) *Client {
	if dialer == nil {
		dialer = NewDialer()
	}
	return &Client{cfg: cfg, dialer: dialer, queue: queue, logger: logger}
}

// Run holds a subscription alive until ctx is cancelled: dial,
// handshake, subscribe, read frames until disconnect, then backoff and
// retry. It returns nil only when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	boff := newExponentialBackoff(c.cfg.Backoff)

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.runOneSession(ctx)
		if ctx.Err() != nil {
			return nil
		}

		c.setState(stateDraining)

		if err != nil {
			if isCloseUnauthorized(err) {
				err = fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
			c.log("ws_error", zap.Error(err))
		}
		c.log("ws_disconnected")

		if c.session != nil {
			c.session.ReconnectAttempt++
		}

		c.setState(stateBackoff)
		delay := boff.NextBackOff()
		if delay == backoff.Stop {
			delay = c.cfg.Backoff.MaxDelay
		}
		c.log("ws_reconnecting", zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runOneSession performs one full dial->handshake->subscribe->read
// cycle (spec.md §4.1 protocol steps 1-5), returning when the session
// ends for any reason.
func (c *Client) runOneSession(ctx context.Context) error {
	c.setState(stateDialing)
	conn, err := c.dialer.Dial(ctx, c.cfg.APIURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock a pending ReadMessage the instant the caller cancels, since
	// SetReadDeadline alone cannot interrupt an in-flight read.
	closeOnCancel := make(chan struct{})
	defer close(closeOnCancel)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-closeOnCancel:
		}
	}()

	c.setState(stateAuthenticating)
	if err := c.sendConnectionInit(conn); err != nil {
		return err
	}
	if err := c.awaitConnectionAck(conn); err != nil {
		c.ackTimeoutStreak++
		if c.ackTimeoutStreak >= 3 {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return err
	}
	c.ackTimeoutStreak = 0

	subID := uuid.NewString()
	c.session = ingest.NewSessionState(subID)

	if err := c.sendSubscribe(conn, subID); err != nil {
		return err
	}

	c.setState(stateSubscribed)
	c.log("ws_connected", zap.String("subscription_id", subID))
	c.session.NoteConnected(time.Now())

	return c.readLoop(ctx, conn)
}

func (c *Client) sendConnectionInit(conn Conn) error {
	payload, err := json.Marshal(connectionInitPayload{Authorization: "Bearer " + c.cfg.APIKey})
	if err != nil {
		return fmt.Errorf("marshal connection_init payload: %w", err)
	}
	return c.send(conn, Message{Type: TypeConnectionInit, Payload: payload})
}

func (c *Client) awaitConnectionAck(conn Conn) error {
	conn.SetReadDeadline(time.Now().Add(ackTimeout))
	defer conn.SetReadDeadline(time.Time{})

	msg, err := c.receive(conn)
	if err != nil {
		return fmt.Errorf("await connection_ack: %w", err)
	}
	if msg.Type != TypeConnectionAck {
		return fmt.Errorf("expected connection_ack, got %q", msg.Type)
	}
	return nil
}

func (c *Client) sendSubscribe(conn Conn, id string) error {
	payload, err := json.Marshal(subscribePayload{Query: deviceStateChangeQuery})
	if err != nil {
		return fmt.Errorf("marshal subscribe payload: %w", err)
	}
	return c.send(conn, Message{ID: id, Type: TypeSubscribe, Payload: payload})
}

// readLoop processes inbound frames until the connection closes, a
// complete frame is received, or ctx is cancelled, applying the
// keepalive rule in spec.md §4.1 step 5.
func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn.SetReadDeadline(time.Now().Add(idleReadTimeout))
		msg, err := c.receive(conn)
		if err != nil {
			if isTimeout(err) {
				if pingErr := c.pingAndAwait(conn); pingErr != nil {
					return pingErr
				}
				continue
			}
			return fmt.Errorf("read: %w", err)
		}

		switch msg.Type {
		case TypePing:
			if err := c.send(conn, Message{Type: TypePong}); err != nil {
				return err
			}
		case TypePong:
			// no-op, resets idle timer via the read above
		case TypeNext:
			var np nextPayload
			if err := json.Unmarshal(msg.Payload, &np); err != nil {
				c.log("ws_error", zap.Error(err))
				continue
			}
			c.emit(np.Data)
		case TypeError:
			c.emitServerError(msg.Payload)
		case TypeComplete:
			return nil
		}
	}
}

// pingAndAwait sends a client ping after idleReadTimeout of silence and
// waits up to pingTimeout for any reply before treating the connection
// as dead (spec.md §4.1 step 5).
func (c *Client) pingAndAwait(conn Conn) error {
	if err := c.send(conn, Message{Type: TypePing}); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(pingTimeout))
	if _, err := c.receive(conn); err != nil {
		return fmt.Errorf("no frame within ping timeout: %w", err)
	}
	return nil
}

func (c *Client) emit(data json.RawMessage) {
	raw := ingest.RawMessage{
		Payload:        append([]byte(nil), data...),
		ReceivedAt:     time.Now(),
		SubscriptionID: c.session.SubscriptionID,
	}
	c.queue <- raw
}

// emitServerError turns a server "error" frame into a RawMessage flagged
// so the normalizer builds a parse_error malformed record directly from
// the server's own diagnostic, instead of running it through the normal
// parse/schema walk (spec.md §4.1 step 4).
func (c *Client) emitServerError(payload json.RawMessage) {
	c.queue <- ingest.RawMessage{
		Payload:        append([]byte(nil), payload...),
		ReceivedAt:     time.Now(),
		SubscriptionID: c.session.SubscriptionID,
		ServerError:    serverErrorMessage(payload),
	}
}

// serverErrorMessage extracts the human-readable text from a
// graphql-transport-ws error frame payload, which is a JSON array of
// GraphQL error objects. Falls back to the raw payload if it doesn't
// match that shape.
func serverErrorMessage(payload json.RawMessage) string {
	var errs []struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &errs); err == nil && len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			if e.Message != "" {
				msgs = append(msgs, e.Message)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return string(payload)
}

func (c *Client) send(conn Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) receive(conn Conn) (Message, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return msg, nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}

func (c *Client) log(msg string, fields ...zap.Field) {
	if c.logger == nil {
		return
	}
	c.logger.Info(msg, fields...)
}

func isCloseUnauthorized(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == closeCodeUnauthorized
}
