package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const dialTimeout = 10 * time.Second

// Handlers are the callbacks a Channel delivers transport events through.
// They fire on the channel's read goroutine and may interleave arbitrarily
// with caller-initiated operations.
type Handlers struct {
	// OnMessage delivers a decoded inbound envelope. Loopback messages
	// (from == self) and messages addressed to another peer are filtered
	// before this fires.
	OnMessage func(Envelope)
	// OnError reports a transport failure. The channel is no longer usable
	// for sending after it fires, but the peer connection it carried may
	// still be alive.
	OnError func(error)
	// OnClose reports an orderly close initiated by the remote side.
	OnClose func()
}

// Channel is a websocket signaling transport scoped to one call session.
// Send is a no-op while the channel is not open: individual signals are
// allowed to be lost and the negotiation protocol above tolerates that.
// The channel never retries a failed send; retry policy is a caller concern.
type Channel struct {
	baseURL string
	log     *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	self     string
	open     bool
	handlers Handlers
}

// NewChannel returns an unopened channel that will dial baseURL
// (a ws:// or wss:// endpoint).
func NewChannel(baseURL string, log *zap.Logger) *Channel {
	return &Channel{
		baseURL: baseURL,
		log:     log.Named("signal"),
	}
}

// Open dials the signaling endpoint keyed by session and participant ID and
// starts delivering inbound messages to h. Dialing retries briefly with
// exponential backoff; an exhausted dial fails the open.
func (c *Channel) Open(ctx context.Context, sessionID, participantID string, h Handlers) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse signaling url: %w", err)
	}
	q := u.Query()
	q.Set("session", sessionID)
	q.Set("peer", participantID)
	u.RawQuery = q.Encode()

	var conn *websocket.Conn
	dial := func() error {
		dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
		conn, _, err = dialer.DialContext(ctx, u.String(), nil)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(dial, policy); err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}

	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("channel already open")
	}
	c.conn = conn
	c.self = participantID
	c.open = true
	c.handlers = h
	c.mu.Unlock()

	c.log.Info("signaling channel open",
		zap.String("session", sessionID),
		zap.String("peer", participantID))

	go c.readLoop(conn)
	return nil
}

// Send writes one envelope to the wire. When the channel is not open the
// message is dropped silently (nil return): signals are lossy by contract.
// A write failure closes the channel for sending and is returned to the
// caller, which maps it to a non-fatal error state.
func (c *Channel) Send(env Envelope) error {
	c.mu.Lock()
	conn, open := c.conn, c.open
	c.mu.Unlock()

	if !open || conn == nil {
		c.log.Debug("dropping signal on closed channel", zap.String("type", string(env.Type)))
		return nil
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.mu.Lock()
		c.open = false
		c.mu.Unlock()
		return fmt.Errorf("write signaling message: %w", err)
	}
	return nil
}

// Close shuts the channel down. Safe to call multiple times and from any
// state; callbacks do not fire for a locally initiated close.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.open = false
	c.handlers = Handlers{}
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			deliberate := c.conn == nil
			h := c.handlers
			c.open = false
			c.mu.Unlock()

			if deliberate {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("signaling channel closed by remote")
				if h.OnClose != nil {
					h.OnClose()
				}
			} else {
				c.log.Warn("signaling read failed", zap.Error(err))
				if h.OnError != nil {
					h.OnError(err)
				}
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("discarding malformed signal", zap.Error(err))
			continue
		}

		c.mu.Lock()
		self := c.self
		h := c.handlers
		c.mu.Unlock()

		if env.From == self {
			// Loopback guard: the server may broadcast our own messages back.
			continue
		}
		if env.To != "" && env.To != self {
			continue
		}

		if h.OnMessage != nil {
			h.OnMessage(env)
		}
	}
}
