package eventchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// PusherDialer connects to a Pusher-protocol websocket endpoint.
type PusherDialer struct {
	URL         string
	ReadTimeout time.Duration
	Header      http.Header
	WS          *websocket.Dialer
}

// Dial opens the websocket and waits for pusher:connection_established.
func (d PusherDialer) Dial(ctx context.Context) (Client, error) {
	ws := d.WS
	if ws == nil {
		ws = websocket.DefaultDialer
	}
	conn, resp, err := ws.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial pusher: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial pusher: %w", err)
	}
	c := &PusherClient{conn: conn, readTimeout: d.ReadTimeout}
	env, err := c.read(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("await connection_established: %w", err)
	}
	if env.Event != EventConnectionEstablished {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected handshake event %q", env.Event)
	}
	return c, nil
}

// PusherClient is a Client over a single Pusher websocket.
type PusherClient struct {
	conn        *websocket.Conn
	readTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

type subscribeData struct {
	Auth    string `json:"auth"`
	Channel string `json:"channel"`
}

// Subscribe sends pusher:subscribe and waits for the matching
// pusher_internal:subscription_succeeded.
func (c *PusherClient) Subscribe(ctx context.Context, room string) error {
	data, _ := json.Marshal(subscribeData{Channel: room})
	if err := c.write(Envelope{Event: EventSubscribe, Data: data}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	for {
		env, err := c.read(ctx)
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				continue
			}
			return fmt.Errorf("await subscription: %w", err)
		}
		switch env.Event {
		case EventSubscriptionSucceeded:
			if env.Channel == room {
				return nil
			}
		case EventError:
			return fmt.Errorf("subscribe %s rejected: %s", room, string(env.Data))
		}
	}
}

// Next returns the next frame. pusher:ping is answered with pusher:pong before
// being returned.
func (c *PusherClient) Next(ctx context.Context) (Envelope, error) {
	return c.read(ctx)
}

func (c *PusherClient) read(ctx context.Context) (Envelope, error) {
	if c.isClosed() {
		return Envelope{}, ErrClosed
	}
	var deadline time.Time
	if c.readTimeout > 0 {
		deadline = time.Now().Add(c.readTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	_ = c.conn.SetReadDeadline(deadline)
	// unblock the read when ctx is cancelled
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		if c.isClosed() {
			return Envelope{}, ErrClosed
		}
		if ctx.Err() != nil {
			return Envelope{}, ctx.Err()
		}
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: %q", ErrMalformed, truncate(raw, 120))
	}
	if env.Event == EventPing {
		if err := c.write(Envelope{Event: EventPong, Data: json.RawMessage(`{}`)}); err != nil {
			return Envelope{}, fmt.Errorf("send pong: %w", err)
		}
	}
	return env, nil
}

func (c *PusherClient) write(env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Close sends a normal closure (1000) and closes the socket.
func (c *PusherClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stopped")
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *PusherClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
