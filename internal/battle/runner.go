package battle

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/ladder/internal/protocol"
)

// Conn is an exclusively owned Ready connection.
type Conn interface {
	Send(ctx context.Context, line string) error
	Recv(ctx context.Context) (protocol.Message, error)
	Close() error
}

// Runner runs battles. A Runner has no per-battle state; one instance serves
// every session of a pool.
type Runner struct {
	logger *zap.Logger
}

// NewRunner creates a Runner.
//
// Precondition: logger must be non-nil.
func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run enables the room timer and then forwards every message addressed to
// room to h until h reports done. Messages for other rooms are dropped.
//
// The connection, and h when it is an io.Closer, are closed exactly once
// before Run returns, whatever the outcome.
//
// Precondition: conn is Ready and owned by the caller; room is non-empty.
// Postcondition: Returns nil when h reports done; otherwise the transport or
// handler error that ended the battle.
func (r *Runner) Run(ctx context.Context, conn Conn, room protocol.RoomID, h Handler) (err error) {
	start := time.Now()
	logger := r.logger.With(zap.String("room", string(room)))
	handled := 0

	defer func() {
		if c, ok := h.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				logger.Warn("closing handler", zap.Error(cerr))
			}
		}
		if cerr := conn.Close(); cerr != nil {
			logger.Debug("closing connection", zap.Error(cerr))
		}
		fields := []zap.Field{
			zap.Int("handled", handled),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			logger.Warn("battle aborted", append(fields, zap.Error(err))...)
			return
		}
		logger.Info("battle finished", fields...)
	}()

	if err := conn.Send(ctx, protocol.TimerOnCommand(room)); err != nil {
		return fmt.Errorf("enabling timer in %s: %w", room, err)
	}

	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			return fmt.Errorf("receiving in %s: %w", room, err)
		}
		if !msg.AddressedTo(room) {
			continue
		}

		handled++
		reply, done, err := handle(ctx, h, msg)
		if err != nil {
			return fmt.Errorf("handling message in %s: %w", room, err)
		}
		if reply != "" {
			if err := conn.Send(ctx, protocol.RoomCommand(room, reply)); err != nil {
				return fmt.Errorf("sending reply in %s: %w", room, err)
			}
		}
		if done {
			return nil
		}
	}
}

// handle converts a handler panic into an error so one faulty battle cannot
// take down the pool.
func handle(ctx context.Context, h Handler, msg protocol.Message) (reply string, done bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, msg)
}
