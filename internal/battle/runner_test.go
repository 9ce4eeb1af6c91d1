package battle

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/ladder/internal/protocol"
)

type fakeConn struct {
	inbound []string
	sent    []string
	closes  int
	// failSendAt makes the n-th Send (1-based) fail; 0 disables.
	failSendAt int
}

func (f *fakeConn) Send(ctx context.Context, line string) error {
	if f.failSendAt > 0 && len(f.sent)+1 == f.failSendAt {
		return errors.New("write: broken pipe")
	}
	f.sent = append(f.sent, line)
	return nil
}

func (f *fakeConn) Recv(ctx context.Context) (protocol.Message, error) {
	if len(f.inbound) == 0 {
		return protocol.Message{}, io.EOF
	}
	raw := f.inbound[0]
	f.inbound = f.inbound[1:]
	return protocol.Parse(raw), nil
}

func (f *fakeConn) Close() error {
	f.closes++
	return nil
}

type recordingHandler struct {
	seen   []protocol.Message
	reply  func(protocol.Message) (string, bool, error)
	closed int
}

func (h *recordingHandler) Handle(ctx context.Context, msg protocol.Message) (string, bool, error) {
	h.seen = append(h.seen, msg)
	if h.reply == nil {
		return "", false, nil
	}
	return h.reply(msg)
}

func (h *recordingHandler) Close() error {
	h.closed++
	return nil
}

func TestRun_RoutesOnlyOwnRoom(t *testing.T) {
	conn := &fakeConn{inbound: []string{
		"|updatesearch|{}",
		">battle-10\n|turn|1",
		">battle-1\n|turn|1",
		">lobby\n|c|x|hi",
		">battle-1\n|win|gdelta",
	}}
	h := &recordingHandler{reply: func(m protocol.Message) (string, bool, error) {
		return "", m.Finished(), nil
	}}

	err := NewRunner(zaptest.NewLogger(t)).Run(context.Background(), conn, "battle-1", h)
	require.NoError(t, err)
	require.Len(t, h.seen, 2)
	for _, m := range h.seen {
		assert.Equal(t, protocol.RoomID("battle-1"), m.Room)
	}
	assert.Equal(t, []string{"battle-1|/timer on"}, conn.sent)
	assert.Equal(t, 1, conn.closes)
	assert.Equal(t, 1, h.closed)
}

func TestRun_SendsRepliesFramedWithRoom(t *testing.T) {
	conn := &fakeConn{inbound: []string{
		">battle-1\n|request|{\"rqid\":1}",
		">battle-1\n|win|gdelta",
	}}
	err := NewRunner(zaptest.NewLogger(t)).Run(context.Background(), conn, "battle-1", DefaultChooser{})
	require.NoError(t, err)
	assert.Equal(t, []string{"battle-1|/timer on", "battle-1|/choose default"}, conn.sent)
	assert.Equal(t, 1, conn.closes)
}

func TestRun_HandlerErrorClosesOnce(t *testing.T) {
	conn := &fakeConn{inbound: []string{">battle-1\n|turn|1"}}
	boom := errors.New("boom")
	h := &recordingHandler{reply: func(protocol.Message) (string, bool, error) { return "", false, boom }}

	err := NewRunner(zaptest.NewLogger(t)).Run(context.Background(), conn, "battle-1", h)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, conn.closes)
	assert.Equal(t, 1, h.closed)
}

func TestRun_HandlerPanicBecomesError(t *testing.T) {
	conn := &fakeConn{inbound: []string{">battle-1\n|turn|1"}}
	h := &recordingHandler{reply: func(protocol.Message) (string, bool, error) { panic("nil map") }}

	err := NewRunner(zaptest.NewLogger(t)).Run(context.Background(), conn, "battle-1", h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panic")
	assert.Equal(t, 1, conn.closes)
}

func TestRun_TransportErrorClosesOnce(t *testing.T) {
	conn := &fakeConn{inbound: []string{">battle-1\n|turn|1"}}
	err := NewRunner(zaptest.NewLogger(t)).Run(context.Background(), conn, "battle-1", &recordingHandler{})
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, conn.closes)
}

func TestRun_TimerFailureClosesOnce(t *testing.T) {
	conn := &fakeConn{failSendAt: 1}
	h := &recordingHandler{}
	err := NewRunner(zaptest.NewLogger(t)).Run(context.Background(), conn, "battle-1", h)
	require.Error(t, err)
	assert.Empty(t, h.seen)
	assert.Equal(t, 1, conn.closes)
}

func TestRun_ReplyFailureClosesOnce(t *testing.T) {
	conn := &fakeConn{
		inbound:    []string{">battle-1\n|request|{\"rqid\":1}"},
		failSendAt: 2,
	}
	err := NewRunner(zaptest.NewLogger(t)).Run(context.Background(), conn, "battle-1", DefaultChooser{})
	require.Error(t, err)
	assert.Equal(t, 1, conn.closes)
}

func TestDefaultChooser(t *testing.T) {
	var h DefaultChooser
	reply, done, err := h.Handle(context.Background(), protocol.Parse(">r\n|request|{\"wait\":true,\"rqid\":2}"))
	require.NoError(t, err)
	assert.Equal(t, "", reply)
	assert.False(t, done)

	reply, done, _ = h.Handle(context.Background(), protocol.Parse(">r\n|request|{\"teamPreview\":true}"))
	assert.Equal(t, "/choose default", reply)
	assert.False(t, done)

	reply, done, _ = h.Handle(context.Background(), protocol.Parse(">r\n|tie"))
	assert.Equal(t, "", reply)
	assert.True(t, done)
}

func TestNeedsDecision(t *testing.T) {
	assert.True(t, NeedsDecision(`{"active":[]}`))
	assert.False(t, NeedsDecision(`{"wait":true}`))
	assert.False(t, NeedsDecision(`not json`))
}

// Property-based tests

func TestPropertyOnlyOwnRoomReachesHandler(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		room := protocol.RoomID(rapid.StringMatching(`battle-[0-9]{1,3}`).Draw(rt, "room"))
		frames := rapid.SliceOfN(rapid.SampledFrom([]string{
			">" + string(room) + "\n|turn|1",
			">" + string(room) + "0\n|turn|1",
			">battle-x\n|request|{}",
			">lobby\n|c|a|" + string(room),
			"|updatesearch|{}",
			"|init|battle",
		}), 0, 20).Draw(rt, "frames")

		conn := &fakeConn{inbound: frames}
		h := &recordingHandler{}
		_ = NewRunner(zaptest.NewLogger(t)).Run(context.Background(), conn, room, h)

		want := 0
		for _, f := range frames {
			if protocol.Parse(f).Room == room {
				want++
			}
		}
		if len(h.seen) != want {
			rt.Fatalf("handler saw %d messages, want %d", len(h.seen), want)
		}
		for _, m := range h.seen {
			if m.Room != room {
				rt.Fatalf("handler saw message for %q", m.Room)
			}
		}
		if len(conn.sent) != 1 {
			rt.Fatalf("non-room traffic produced replies: %q", conn.sent)
		}
		if conn.closes != 1 {
			rt.Fatalf("closed %d times", conn.closes)
		}
	})
}

func TestPropertyCloseExactlyOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		outcome := rapid.SampledFrom([]string{"done", "error", "eof", "send"}).Draw(rt, "outcome")
		conn := &fakeConn{inbound: []string{">battle-1\n|request|{}"}}
		h := &recordingHandler{}
		switch outcome {
		case "done":
			h.reply = func(protocol.Message) (string, bool, error) { return "", true, nil }
		case "error":
			h.reply = func(protocol.Message) (string, bool, error) { return "", false, errors.New("bad") }
		case "send":
			conn.failSendAt = 2
			h.reply = func(protocol.Message) (string, bool, error) { return "/choose default", false, nil }
		}
		_ = NewRunner(zaptest.NewLogger(t)).Run(context.Background(), conn, "battle-1", h)
		if conn.closes != 1 || h.closed != 1 {
			rt.Fatalf("%s: conn closes=%d handler closes=%d", outcome, conn.closes, h.closed)
		}
	})
}
