// Package matchmaking requests a ladder battle on a Ready connection and
// waits for the room assignment.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/ladder/internal/protocol"
)

// ErrMatchmaking is wrapped when the connection fails before a room is assigned.
var ErrMatchmaking = errors.New("matchmaking failed")

// Conn is the part of a Ready connection matchmaking needs.
type Conn interface {
	Send(ctx context.Context, line string) error
	Recv(ctx context.Context) (protocol.Message, error)
}

// Matchmaker submits searches. It holds no per-search state and is safe for
// concurrent use on different connections.
type Matchmaker struct {
	logger *zap.Logger
}

// NewMatchmaker creates a Matchmaker.
//
// Precondition: logger must be non-nil.
func NewMatchmaker(logger *zap.Logger) *Matchmaker {
	return &Matchmaker{logger: logger}
}

// Matchmake registers team, searches format, and blocks until the server
// announces a battle room. Other traffic is discarded. There is no deadline
// beyond ctx.
//
// Precondition: conn must be Ready; team is passed through unmodified.
// Postcondition: Returns the assigned room, or an error wrapping ErrMatchmaking.
func (m *Matchmaker) Matchmake(ctx context.Context, conn Conn, team, format string) (protocol.RoomID, error) {
	start := time.Now()

	if err := conn.Send(ctx, protocol.UseTeamCommand(team)); err != nil {
		return "", fmt.Errorf("%w: sending team: %w", ErrMatchmaking, err)
	}
	if err := conn.Send(ctx, protocol.SearchCommand(format)); err != nil {
		return "", fmt.Errorf("%w: sending search: %w", ErrMatchmaking, err)
	}

	discarded := 0
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: waiting for battle in %s: %w", ErrMatchmaking, format, err)
		}
		if msg.BattleInit() {
			m.logger.Info("battle assigned",
				zap.String("room", string(msg.Room)),
				zap.String("format", format),
				zap.Int("discarded", discarded),
				zap.Duration("elapsed", time.Since(start)),
			)
			return msg.Room, nil
		}
		discarded++
	}
}
