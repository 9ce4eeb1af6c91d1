package scripting

import (
	"context"
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/cory-johannsen/ladder/internal/battle"
	"github.com/cory-johannsen/ladder/internal/protocol"
)

// EntryPoint is the global Lua function called for every battle message.
const EntryPoint = "on_message"

// Script is a compiled decision script. A Script is immutable and shared by
// every battle; each battle runs it in its own VM.
type Script struct {
	name   string
	proto  *lua.FunctionProto
	limit  int
	logger *zap.Logger
}

// LoadScript parses and compiles the Lua file at path.
//
// Precondition: limit >= 0; 0 uses DefaultInstructionLimit. logger must be non-nil.
// Postcondition: Returns a Script or a non-nil error on read or syntax failure.
func LoadScript(path string, limit int, logger *zap.Logger) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scripting: opening %q: %w", path, err)
	}
	defer f.Close()

	chunk, err := parse.Parse(f, path)
	if err != nil {
		return nil, fmt.Errorf("scripting: parsing %q: %w", path, err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, fmt.Errorf("scripting: compiling %q: %w", path, err)
	}
	return &Script{name: path, proto: proto, limit: limit, logger: logger}, nil
}

// Handler runs a Script for one battle room. It is not safe for concurrent use.
type Handler struct {
	L      *lua.LState
	room   protocol.RoomID
	limit  int
	logger *zap.Logger
}

// NewHandler creates a VM for room, runs the script's top level, and checks
// that it defines on_message. It has the battle.Factory signature.
//
// The script sees a global table "bot" with fields room and username, and a
// "showdown" module with choose(choice), needs_decision(request_json) and
// log(text).
//
// Postcondition: Returns a Handler owning a fresh VM, or a non-nil error with
// no VM leaked.
func (s *Script) NewHandler(room protocol.RoomID, username string) (battle.Handler, error) {
	L := NewSandboxedState()
	h := &Handler{
		L:      L,
		room:   room,
		limit:  s.limit,
		logger: s.logger.With(zap.String("room", string(room)), zap.String("script", s.name)),
	}
	h.registerModules(username)

	err := limited(context.Background(), L, s.limit, func() error {
		L.Push(L.NewFunctionFromProto(s.proto))
		return L.PCall(0, lua.MultRet, nil)
	})
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("scripting: running %q: %w", s.name, err)
	}
	if _, ok := L.GetGlobal(EntryPoint).(*lua.LFunction); !ok {
		L.Close()
		return nil, fmt.Errorf("scripting: %q does not define %s", s.name, EntryPoint)
	}
	return h, nil
}

func (h *Handler) registerModules(username string) {
	L := h.L

	bot := L.NewTable()
	bot.RawSetString("room", lua.LString(h.room))
	bot.RawSetString("username", lua.LString(username))
	L.SetGlobal("bot", bot)

	sd := L.NewTable()
	L.SetFuncs(sd, map[string]lua.LGFunction{
		"choose": func(L *lua.LState) int {
			L.Push(lua.LString(protocol.ChooseCommand(L.CheckString(1))))
			return 1
		},
		"needs_decision": func(L *lua.LState) int {
			L.Push(lua.LBool(battle.NeedsDecision(L.CheckString(1))))
			return 1
		},
		"log": func(L *lua.LState) int {
			h.logger.Debug("script", zap.String("text", L.CheckString(1)))
			return 0
		},
	})
	L.SetGlobal("showdown", sd)
}

// Handle calls on_message(msg) where msg is
//
//	{room = "battle-1", lines = {{cmd = "request", args = {...}, raw = "|request|..."}, ...}}
//
// The first return value is the reply (a string, or nil for none); the second
// is truthy when the battle is over. A Lua error or exceeded instruction
// limit is returned as an error.
func (h *Handler) Handle(ctx context.Context, msg protocol.Message) (string, bool, error) {
	var reply, done lua.LValue
	err := limited(ctx, h.L, h.limit, func() error {
		if err := h.L.CallByParam(lua.P{
			Fn:      h.L.GetGlobal(EntryPoint),
			NRet:    2,
			Protect: true,
		}, h.toLua(msg)); err != nil {
			return err
		}
		reply, done = h.L.Get(-2), h.L.Get(-1)
		h.L.Pop(2)
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("scripting: %s: %w", EntryPoint, err)
	}

	var out string
	switch r := reply.(type) {
	case lua.LString:
		out = string(r)
	case *lua.LNilType:
	default:
		return "", false, fmt.Errorf("scripting: %s returned a %s reply, want string or nil", EntryPoint, reply.Type())
	}
	return out, lua.LVAsBool(done), nil
}

// Close releases the VM.
func (h *Handler) Close() error {
	h.L.Close()
	return nil
}

func (h *Handler) toLua(msg protocol.Message) *lua.LTable {
	L := h.L
	t := L.NewTable()
	t.RawSetString("room", lua.LString(msg.Room))
	lines := L.CreateTable(len(msg.Lines), 0)
	for _, line := range msg.Lines {
		lt := L.CreateTable(0, 3)
		lt.RawSetString("cmd", lua.LString(line.Command))
		lt.RawSetString("raw", lua.LString(line.Raw))
		args := L.CreateTable(len(line.Args), 0)
		for _, a := range line.Args {
			args.Append(lua.LString(a))
		}
		lt.RawSetString("args", args)
		lines.Append(lt)
	}
	t.RawSetString("lines", lines)
	return t
}
