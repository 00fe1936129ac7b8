// Package client is a Go client for the signaling relay. It is used by the
// probe command and by end-to-end tests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

var (
	// ErrNameUnavailable is returned by Login when the server refuses the name.
	ErrNameUnavailable = errors.New("client: name unavailable")
	ErrClosed          = errors.New("client: closed")
)

const writeWait = 2 * time.Second

type User struct {
	UserName string `json:"userName"`
}

// Message is the union of every field the relay sends or accepts.
type Message struct {
	Type      string          `json:"type"`
	Name      string          `json:"name,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Message   string          `json:"message,omitempty"`
	Users     []User          `json:"users,omitempty"`
	User      *User           `json:"user,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type Options struct {
	Header http.Header
	Logger *slog.Logger

	// MaxAttempts bounds dial attempts; <= 0 means a single attempt.
	MaxAttempts int
	// MaxRetryInterval caps the backoff between attempts.
	MaxRetryInterval time.Duration
	HandshakeTimeout time.Duration
}

// Client is one signaling connection. Next and Login must not be called
// concurrently; the Send helpers may be called from any goroutine.
type Client struct {
	conn     *websocket.Conn
	log      *slog.Logger
	greeting string

	writeMu sync.Mutex

	incoming chan Message
	pending  []Message

	done     chan struct{}
	readErr  error
	closeOne sync.Once
}

// Dial connects to url, retrying with exponential backoff, and waits for the
// server's connect greeting.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.MaxRetryInterval <= 0 {
		opts.MaxRetryInterval = 5 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: opts.MaxRetryInterval, Factor: 2, Jitter: true}

	var (
		conn *websocket.Conn
		err  error
	)
	for {
		conn, _, err = dialer.DialContext(ctx, url, opts.Header)
		if err == nil {
			break
		}
		attempt := int(b.Attempt()) + 1
		if attempt >= opts.MaxAttempts || ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		d := b.Duration()
		opts.Logger.Debug("dial failed, retrying", "url", url, "attempt", attempt, "max_attempts", opts.MaxAttempts, "retry_in", d, "err", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", url, ctx.Err())
		case <-time.After(d):
		}
	}

	c := &Client{
		conn:     conn,
		log:      opts.Logger,
		incoming: make(chan Message, 16),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	greeting, err := c.Next(ctx)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("await greeting: %w", err)
	}
	if greeting.Type != "connect" {
		_ = c.Close()
		return nil, fmt.Errorf("unexpected first message %q", greeting.Type)
	}
	c.greeting = greeting.Message
	return c, nil
}

func (c *Client) Greeting() string { return c.greeting }

// Login claims name and returns the users that were online before it.
// Messages that arrive while waiting for the reply stay queued for Next.
func (c *Client) Login(ctx context.Context, name string) ([]string, error) {
	if err := c.Send(Message{Type: "login", Name: name}); err != nil {
		return nil, err
	}

	var skipped []Message
	defer func() { c.pending = append(skipped, c.pending...) }()
	for {
		msg, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Type != "login" {
			skipped = append(skipped, msg)
			continue
		}
		if msg.Success == nil || !*msg.Success {
			return nil, fmt.Errorf("%w: %s", ErrNameUnavailable, msg.Message)
		}
		users := make([]string, 0, len(msg.Users))
		for _, u := range msg.Users {
			users = append(users, u.UserName)
		}
		return users, nil
	}
}

func (c *Client) SendOffer(to string, offer any) error {
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return c.Send(Message{Type: "offer", Name: to, Offer: raw})
}

func (c *Client) SendAnswer(to string, answer any) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return c.Send(Message{Type: "answer", Name: to, Answer: raw})
}

func (c *Client) SendCandidate(to string, candidate any) error {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return err
	}
	return c.Send(Message{Type: "candidate", Name: to, Candidate: raw})
}

func (c *Client) SendLeave(to string) error {
	return c.Send(Message{Type: "leave", Name: to})
}

func (c *Client) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw writes data as one text frame without validation.
func (c *Client) SendRaw(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Next returns the next message from the server.
func (c *Client) Next(ctx context.Context) (Message, error) {
	if len(c.pending) > 0 {
		msg := c.pending[0]
		c.pending = c.pending[1:]
		return msg, nil
	}

	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return Message{}, c.readErr
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close closes the connection. Pending Next calls return the read error.
func (c *Client) Close() error {
	var err error
	c.closeOne.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.incoming)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = ErrClosed
			}
			c.readErr = err
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("undecodable server message", "err", err)
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			c.readErr = ErrClosed
			return
		}
	}
}
