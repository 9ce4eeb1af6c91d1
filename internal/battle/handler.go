// Package battle drives one matchmade battle: it routes the room's messages to
// a decision Handler and sends the Handler's replies back into the room.
package battle

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/cory-johannsen/ladder/internal/protocol"
)

// Handler decides how to answer the messages of one battle room.
//
// Handle receives only messages addressed to the handler's room, in arrival
// order. A non-empty reply is sent to the room; done ends the battle. A
// non-nil error ends the battle abnormally.
//
// A Handler that also implements io.Closer is closed when its battle ends.
type Handler interface {
	Handle(ctx context.Context, msg protocol.Message) (reply string, done bool, err error)
}

// Factory builds a fresh Handler for one room.
type Factory func(room protocol.RoomID, username string) (Handler, error)

// DefaultChooser answers every decision request with the server-side default
// choice and finishes when the battle ends.
type DefaultChooser struct{}

// NewDefaultChooser is a Factory for DefaultChooser.
func NewDefaultChooser(protocol.RoomID, string) (Handler, error) {
	return DefaultChooser{}, nil
}

// Handle implements Handler.
func (DefaultChooser) Handle(ctx context.Context, msg protocol.Message) (string, bool, error) {
	if msg.Finished() {
		return "", true, nil
	}
	req, ok := msg.Request()
	if !ok || !NeedsDecision(req) {
		return "", false, nil
	}
	return protocol.ChooseCommand("default"), false, nil
}

// NeedsDecision reports whether a request payload asks this side to act.
// Requests flagged "wait" only announce the opponent's pending decision.
func NeedsDecision(request string) bool {
	if !gjson.Valid(request) {
		return false
	}
	return !gjson.Get(request, "wait").Bool()
}
