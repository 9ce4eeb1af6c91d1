package scripting

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/ladder/internal/battle"
	"github.com/cory-johannsen/ladder/internal/protocol"
)

func writeScript(t testing.TB, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "battle.lua")
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

func loadHandler(t *testing.T, src string, limit int) *Handler {
	t.Helper()
	script, err := LoadScript(writeScript(t, src), limit, zaptest.NewLogger(t))
	require.NoError(t, err)
	h, err := script.NewHandler("battle-1", "gdelta")
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.(*Handler).Close() })
	return h.(*Handler)
}

func TestHandler_ReceivesMessageShape(t *testing.T) {
	h := loadHandler(t, `
		function on_message(msg)
			local l = msg.lines[2]
			return msg.room .. ":" .. #msg.lines .. ":" .. l.cmd .. ":" .. l.args[1] .. ":" .. l.raw, false
		end
	`, 0)

	reply, done, err := h.Handle(context.Background(), protocol.Parse(">battle-1\n|turn|1\n|move|p1a: Togekiss|Air Slash"))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "battle-1:2:move:p1a: Togekiss:|move|p1a: Togekiss|Air Slash", reply)
}

func TestHandler_BotGlobals(t *testing.T) {
	h := loadHandler(t, `
		function on_message(msg)
			return bot.username .. "@" .. bot.room, true
		end
	`, 0)
	reply, done, err := h.Handle(context.Background(), protocol.Parse(">battle-1\n|turn|1"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "gdelta@battle-1", reply)
}

func TestHandler_NilReplyAndFalsyDone(t *testing.T) {
	h := loadHandler(t, `function on_message(msg) return nil end`, 0)
	reply, done, err := h.Handle(context.Background(), protocol.Parse(">battle-1\n|turn|1"))
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.False(t, done)
}

func TestHandler_NonStringReplyIsError(t *testing.T) {
	h := loadHandler(t, `function on_message(msg) return {}, false end`, 0)
	_, _, err := h.Handle(context.Background(), protocol.Parse(">battle-1\n|turn|1"))
	assert.Error(t, err)
}

func TestHandler_RuntimeErrorIsReturned(t *testing.T) {
	h := loadHandler(t, `function on_message(msg) error("no move") end`, 0)
	_, _, err := h.Handle(context.Background(), protocol.Parse(">battle-1\n|turn|1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no move")
}

func TestHandler_InstructionLimitPerMessage(t *testing.T) {
	h := loadHandler(t, `
		function on_message(msg)
			if msg.lines[1].cmd == "spin" then
				while true do end
			end
			return nil, false
		end
	`, 1000)

	_, _, err := h.Handle(context.Background(), protocol.Parse(">battle-1\n|turn|1"))
	require.NoError(t, err)
	_, _, err = h.Handle(context.Background(), protocol.Parse(">battle-1\n|spin"))
	assert.Error(t, err)
}

func TestHandler_StatePersistsAcrossMessages(t *testing.T) {
	h := loadHandler(t, `
		local seen = 0
		function on_message(msg)
			seen = seen + 1
			return tostring(seen), seen == 3
		end
	`, 0)
	var reply string
	var done bool
	for i := 0; i < 3; i++ {
		var err error
		reply, done, err = h.Handle(context.Background(), protocol.Parse(">battle-1\n|turn|1"))
		require.NoError(t, err)
	}
	assert.Equal(t, "3", reply)
	assert.True(t, done)
}

func TestHandler_ShowdownModule(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	script, err := LoadScript(writeScript(t, `
		function on_message(msg)
			showdown.log("deciding")
			if showdown.needs_decision('{"wait":true}') then
				return "unexpected", false
			end
			return showdown.choose("move 1"), false
		end
	`), 0, zap.New(core))
	require.NoError(t, err)
	h, err := script.NewHandler("battle-1", "gdelta")
	require.NoError(t, err)
	defer h.(*Handler).Close()

	reply, _, err := h.Handle(context.Background(), protocol.Parse(">battle-1\n|request|{}"))
	require.NoError(t, err)
	assert.Equal(t, "/choose move 1", reply)
	require.Equal(t, 1, logs.FilterMessage("script").Len())
	assert.Equal(t, "deciding", logs.FilterMessage("script").All()[0].ContextMap()["text"])
}

func TestHandler_SandboxHidesOS(t *testing.T) {
	h := loadHandler(t, `
		function on_message(msg)
			return tostring(os) .. tostring(io) .. tostring(require), false
		end
	`, 0)
	reply, _, err := h.Handle(context.Background(), protocol.Parse(">battle-1\n|turn|1"))
	require.NoError(t, err)
	assert.Equal(t, "nilnilnil", reply)
}

func TestLoadScript_Errors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := LoadScript(filepath.Join(t.TempDir(), "missing.lua"), 0, logger)
	assert.Error(t, err)

	_, err = LoadScript(writeScript(t, `function on_message(`), 0, logger)
	assert.Error(t, err, "syntax error")
}

func TestNewHandler_Errors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	script, err := LoadScript(writeScript(t, `local x = 1`), 0, logger)
	require.NoError(t, err)
	_, err = script.NewHandler("battle-1", "gdelta")
	assert.Error(t, err, "missing on_message")

	script, err = LoadScript(writeScript(t, `error("boom")`), 0, logger)
	require.NoError(t, err)
	_, err = script.NewHandler("battle-1", "gdelta")
	assert.Error(t, err, "top-level error")

	script, err = LoadScript(writeScript(t, `while true do end`), 100, logger)
	require.NoError(t, err)
	_, err = script.NewHandler("battle-1", "gdelta")
	assert.Error(t, err, "top-level runaway")
}

func TestHandlersAreIsolated(t *testing.T) {
	script, err := LoadScript(writeScript(t, `
		count = 0
		function on_message(msg)
			count = count + 1
			return tostring(count), false
		end
	`), 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	a, err := script.NewHandler("battle-1", "gdelta")
	require.NoError(t, err)
	defer a.(*Handler).Close()
	b, err := script.NewHandler("battle-2", "gdelta")
	require.NoError(t, err)
	defer b.(*Handler).Close()

	msg := protocol.Parse(">battle-1\n|turn|1")
	_, _, _ = a.Handle(context.Background(), msg)
	reply, _, err := a.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "2", reply)

	reply, _, err = b.Handle(context.Background(), protocol.Parse(">battle-2\n|turn|1"))
	require.NoError(t, err)
	assert.Equal(t, "1", reply)
}

func TestBundledScript(t *testing.T) {
	script, err := LoadScript(filepath.Join("..", "..", "content", "scripts", "battle.lua"), 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	conn := &scriptedConn{inbound: []string{
		">battle-1\n|init|battle",
		">battle-1\n|request|{\"wait\":true}",
		">battle-1\n|turn|1\n|request|{\"active\":[{}]}",
		">battle-1\n|win|rival",
	}}
	h, err := script.NewHandler("battle-1", "gdelta")
	require.NoError(t, err)

	err = battle.NewRunner(zaptest.NewLogger(t)).Run(context.Background(), conn, "battle-1", h)
	require.NoError(t, err)
	assert.Equal(t, []string{"battle-1|/timer on", "battle-1|/choose default"}, conn.sent)
}

// Property-based tests

func TestPropertyReplyRoundTrips(t *testing.T) {
	path := writeScript(t, `function on_message(msg) return msg.lines[1].raw, false end`)
	script, err := LoadScript(path, 0, zap.NewNop())
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		body := rapid.StringMatching(`[a-z0-9 ,:]{0,40}`).Draw(rt, "body")
		h, err := script.NewHandler("battle-1", "gdelta")
		if err != nil {
			rt.Fatalf("new handler: %v", err)
		}
		defer h.(*Handler).Close()
		reply, _, err := h.Handle(context.Background(), protocol.Parse(">battle-1\n|c|"+body))
		if err != nil {
			rt.Fatalf("handle: %v", err)
		}
		if reply != "|c|"+body {
			rt.Fatalf("reply %q, want %q", reply, "|c|"+body)
		}
	})
}

type scriptedConn struct {
	inbound []string
	sent    []string
}

func (c *scriptedConn) Send(ctx context.Context, line string) error {
	c.sent = append(c.sent, line)
	return nil
}

func (c *scriptedConn) Recv(ctx context.Context) (protocol.Message, error) {
	if len(c.inbound) == 0 {
		<-ctx.Done()
		return protocol.Message{}, ctx.Err()
	}
	raw := c.inbound[0]
	c.inbound = c.inbound[1:]
	return protocol.Parse(raw), nil
}

func (c *scriptedConn) Close() error { return nil }
