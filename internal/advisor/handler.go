package advisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cory-johannsen/ladder/internal/battle"
	"github.com/cory-johannsen/ladder/internal/protocol"
)

// Completer returns a model's answer to one prompt.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ErrEmptyAnswer is returned by a Completer whose response had no text.
var ErrEmptyAnswer = errors.New("advisor: empty answer")

// historyLines bounds the battle log included in each prompt.
const historyLines = 40

// Handler asks a Completer for every decision of one battle. An unusable or
// failed answer falls back to the server default.
type Handler struct {
	room      protocol.RoomID
	username  string
	completer Completer
	logger    *zap.Logger
	history   []string
}

// NewFactory returns a battle.Factory producing Handlers backed by completer.
//
// Precondition: completer and logger must be non-nil.
func NewFactory(completer Completer, logger *zap.Logger) battle.Factory {
	return func(room protocol.RoomID, username string) (battle.Handler, error) {
		return &Handler{
			room:      room,
			username:  username,
			completer: completer,
			logger:    logger.With(zap.String("room", string(room))),
		}, nil
	}
}

// Handle implements battle.Handler.
func (h *Handler) Handle(ctx context.Context, msg protocol.Message) (string, bool, error) {
	if msg.Finished() {
		return "", true, nil
	}
	h.remember(msg)

	req, ok := msg.Request()
	if !ok || !battle.NeedsDecision(req) {
		return "", false, nil
	}

	opts := Options(req)
	answer, err := h.completer.Complete(ctx, h.system(), h.prompt(opts))
	if err != nil {
		if ctx.Err() != nil {
			return "", false, err
		}
		h.logger.Warn("advisor unavailable, using default", zap.Error(err))
		return protocol.ChooseCommand("default"), false, nil
	}

	opt, ok := Match(answer, opts)
	if !ok {
		h.logger.Warn("advisor answer matched no option, using default",
			zap.String("answer", answer),
		)
		return protocol.ChooseCommand("default"), false, nil
	}
	h.logger.Debug("advisor chose", zap.String("choice", opt.Choice), zap.String("label", opt.Label))
	return protocol.ChooseCommand(opt.Choice), false, nil
}

// remember keeps the most recent battle log lines, skipping requests.
func (h *Handler) remember(msg protocol.Message) {
	for _, l := range msg.Lines {
		if l.Command == "" || l.Command == "request" {
			continue
		}
		h.history = append(h.history, l.Raw)
	}
	if over := len(h.history) - historyLines; over > 0 {
		h.history = append(h.history[:0], h.history[over:]...)
	}
}

func (h *Handler) system() string {
	return fmt.Sprintf("You are %s, playing a Pokemon Showdown battle in room %s. "+
		"Answer with exactly one choice from the list, for example \"move 1\", and nothing else.",
		h.username, h.room)
}

func (h *Handler) prompt(opts []Option) string {
	var b strings.Builder
	b.WriteString("Recent battle log:\n")
	for _, l := range h.history {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString("\nChoices:\n")
	for _, o := range opts {
		fmt.Fprintf(&b, "%s: %s\n", o.Choice, o.Label)
	}
	return b.String()
}
