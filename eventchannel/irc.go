package eventchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// IRCDialer connects anonymously to Twitch chat. Rooms are channel logins.
type IRCDialer struct {
	// Addr overrides the IRC server (host:port). Empty uses the library default.
	Addr string
	// TLS is only consulted when Addr is set.
	TLS bool
	// Buffer bounds queued messages; when full the oldest are dropped.
	Buffer int
}

// Dial starts the IRC connection and waits until the server accepts it.
func (d IRCDialer) Dial(ctx context.Context) (Client, error) {
	client := twitch.NewAnonymousClient()
	if d.Addr != "" {
		client.IrcAddress = d.Addr
		client.TLS = d.TLS
	}
	buf := d.Buffer
	if buf <= 0 {
		buf = 256
	}
	c := &IRCClient{
		client:    client,
		frames:    make(chan Envelope, buf),
		done:      make(chan struct{}),
		connected: make(chan struct{}),
		joined:    make(map[string]chan struct{}),
	}
	var once sync.Once
	client.OnConnect(func() {
		once.Do(func() { close(c.connected) })
		// Dial gave up before the server accepted us
		if c.isAbandoned() {
			_ = client.Disconnect()
		}
	})
	client.OnRoomStateMessage(c.onRoomState)
	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		env, err := privmsgEnvelope(m)
		if err != nil {
			return
		}
		c.push(env)
	})
	client.OnPingMessage(func(twitch.PingMessage) { c.push(Envelope{Event: EventPing}) })
	client.OnPongMessage(func(twitch.PongMessage) { c.push(Envelope{Event: EventPong}) })

	go func() {
		err := client.Connect()
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()

	select {
	case <-c.connected:
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("irc connect: %w", c.exitErr())
	case <-ctx.Done():
		c.abandon()
		return nil, ctx.Err()
	}
}

// abandon marks a client whose Dial was cancelled. Disconnect is a no-op until
// the server's welcome arrives, so a late welcome is handled by OnConnect.
func (c *IRCClient) abandon() {
	c.mu.Lock()
	c.abandoned = true
	c.closed = true
	c.mu.Unlock()
	_ = c.client.Disconnect()
}

func (c *IRCClient) isAbandoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abandoned
}

// IRCClient is a Client over a go-twitch-irc connection.
type IRCClient struct {
	client    *twitch.Client
	frames    chan Envelope
	done      chan struct{}
	connected chan struct{}

	mu        sync.Mutex
	joined    map[string]chan struct{}
	err       error
	closed    bool
	abandoned bool
	closeOnce sync.Once
}

// Subscribe joins the channel and waits for its ROOMSTATE.
func (c *IRCClient) Subscribe(ctx context.Context, room string) error {
	room = strings.ToLower(strings.TrimPrefix(room, "#"))
	ack := make(chan struct{})
	c.mu.Lock()
	c.joined[room] = ack
	c.mu.Unlock()
	c.client.Join(room)
	select {
	case <-ack:
		return nil
	case <-c.done:
		return fmt.Errorf("join %s: %w", room, c.exitErr())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *IRCClient) onRoomState(m twitch.RoomStateMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ack, ok := c.joined[m.Channel]; ok {
		delete(c.joined, m.Channel)
		close(ack)
	}
}

func (c *IRCClient) push(env Envelope) {
	for {
		select {
		case c.frames <- env:
			return
		default:
		}
		select {
		case <-c.frames:
		default:
		}
	}
}

// Next returns queued frames in arrival order.
func (c *IRCClient) Next(ctx context.Context) (Envelope, error) {
	select {
	case env := <-c.frames:
		return env, nil
	case <-c.done:
		return Envelope{}, c.exitErr()
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Close disconnects deliberately.
func (c *IRCClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.client.Disconnect()
		if errors.Is(err, twitch.ErrConnectionIsNotOpen) {
			err = nil
		}
	})
	return err
}

func (c *IRCClient) exitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || errors.Is(c.err, twitch.ErrClientDisconnected) {
		return ErrClosed
	}
	if c.err == nil {
		return errors.New("irc connection ended")
	}
	return c.err
}

// privmsgEnvelope re-encodes a PRIVMSG as a chat message envelope.
func privmsgEnvelope(m twitch.PrivateMessage) (Envelope, error) {
	badges := make([]Badge, 0, len(m.User.Badges))
	for name, v := range m.User.Badges {
		badges = append(badges, Badge{Type: name, Count: v})
	}
	sort.Slice(badges, func(i, j int) bool { return badges[i].Type < badges[j].Type })
	created := m.Time
	if created.IsZero() {
		created = time.Now()
	}
	msg := ChatMessage{
		ID:         m.ID,
		ChatroomID: FlexString(m.RoomID),
		Content:    m.Message,
		Type:       "message",
		CreatedAt:  created.UTC().Format(time.RFC3339Nano),
		Sender: Sender{
			ID:       FlexString(m.User.ID),
			Username: m.User.DisplayName,
			Slug:     m.User.Name,
			Identity: Identity{Color: m.User.Color, Badges: badges},
		},
	}
	if msg.Sender.Username == "" {
		msg.Sender.Username = m.User.Name
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: EventChatMessage, Channel: m.Channel, Data: data}, nil
}
