// Package connection owns one authenticated simulator connection per battle
// session. Open drives the handshake from Disconnected to Ready; the Ready
// Conn is then handed to exactly one owner.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/ladder/internal/protocol"
)

// ErrConnect is wrapped by errors caused by the transport: dial failures and
// streams dropped during the handshake.
var ErrConnect = errors.New("connection failed")

// ErrClosed is returned by Send and Recv after Close.
var ErrClosed = errors.New("connection closed")

// State is a handshake state of a Conn.
type State int

const (
	Disconnected State = iota
	Connected
	Greeted
	AuthPending
	Ready
	Closed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Greeted:
		return "greeted"
	case AuthPending:
		return "auth_pending"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Authenticator exchanges a challenge for an assertion token.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password, challenge string) (string, error)
}

// Credentials identify the account every connection logs in as.
type Credentials struct {
	Username string
	Password string
}

// Conn is one simulator connection. Send and Recv must be called from the
// single owner of a Ready Conn; Close may be called from anywhere, any number
// of times.
type Conn struct {
	id     uuid.UUID
	stream Stream
	logger *zap.Logger

	mu    sync.Mutex
	state State

	closeOnce sync.Once
	closeErr  error
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() uuid.UUID { return c.id }

// State returns the current handshake state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return
	}
	c.state = s
	c.logger.Debug("connection state", zap.Stringer("state", s))
}

// Send writes one protocol line.
//
// Postcondition: Returns ErrClosed after Close, or the transport error.
func (c *Conn) Send(ctx context.Context, line string) error {
	if c.State() == Closed {
		return ErrClosed
	}
	if err := c.stream.Send(ctx, line); err != nil {
		return fmt.Errorf("sending: %w", err)
	}
	return nil
}

// Recv blocks for the next frame and returns it classified.
//
// Postcondition: Returns ErrClosed after Close, or the transport error.
func (c *Conn) Recv(ctx context.Context) (protocol.Message, error) {
	if c.State() == Closed {
		return protocol.Message{}, ErrClosed
	}
	raw, err := c.stream.Recv(ctx)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("receiving: %w", err)
	}
	return protocol.Parse(raw), nil
}

// Close closes the underlying stream exactly once.
//
// Postcondition: State is Closed; later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = Closed
		c.mu.Unlock()
		c.closeErr = c.stream.Close()
		c.logger.Debug("connection closed")
	})
	return c.closeErr
}

// Opener provisions Ready connections. Every Open performs its own dial and
// login; challenges and assertions are never shared between connections.
type Opener struct {
	Dialer        Dialer
	Authenticator Authenticator
	Credentials   Credentials
	Logger        *zap.Logger
}

// Open dials a new stream and runs the greeting and login handshake.
// The challenge and confirmation waits have no deadline of their own; they
// end on ctx cancellation or stream failure.
//
// Precondition: o.Dialer, o.Authenticator and o.Logger must be non-nil.
// Postcondition: Returns a Ready Conn, or a non-nil error after closing any
// stream that was opened.
func (o *Opener) Open(ctx context.Context) (*Conn, error) {
	start := time.Now()
	id := uuid.New()
	logger := o.Logger.With(
		zap.String("conn_id", id.String()),
		zap.String("username", o.Credentials.Username),
	)

	stream, err := o.Dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	c := &Conn{id: id, stream: stream, logger: logger}
	c.setState(Connected)

	if err := o.handshake(ctx, c); err != nil {
		_ = c.Close()
		logger.Warn("handshake failed",
			zap.Error(err),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil, err
	}

	logger.Info("connection ready", zap.Duration("elapsed", time.Since(start)))
	return c, nil
}

func (o *Opener) handshake(ctx context.Context, c *Conn) error {
	for _, line := range protocol.Greeting() {
		if err := c.stream.Send(ctx, line); err != nil {
			return fmt.Errorf("%w: sending greeting: %w", ErrConnect, err)
		}
	}
	c.setState(Greeted)

	var challenge string
	for {
		msg, err := c.recvHandshake(ctx, "waiting for challenge")
		if err != nil {
			return err
		}
		if ch, ok := msg.Challenge(); ok {
			challenge = ch
			break
		}
	}
	c.setState(AuthPending)

	assertion, err := o.Authenticator.Authenticate(ctx, o.Credentials.Username, o.Credentials.Password, challenge)
	if err != nil {
		return fmt.Errorf("authenticating %q: %w", o.Credentials.Username, err)
	}
	if err := c.stream.Send(ctx, protocol.TrustedLoginCommand(o.Credentials.Username, assertion)); err != nil {
		return fmt.Errorf("%w: sending login: %w", ErrConnect, err)
	}

	for {
		msg, err := c.recvHandshake(ctx, "waiting for login confirmation")
		if err != nil {
			return err
		}
		if msg.ConfirmsLogin(o.Credentials.Username) {
			break
		}
	}
	c.setState(Ready)
	return nil
}

func (c *Conn) recvHandshake(ctx context.Context, step string) (protocol.Message, error) {
	raw, err := c.stream.Recv(ctx)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("%w: %s: %w", ErrConnect, step, err)
	}
	return protocol.Parse(raw), nil
}
