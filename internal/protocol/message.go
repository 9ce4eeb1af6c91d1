// Package protocol parses and builds the pipe-delimited simulator protocol.
//
// Every inbound frame is classified exactly once by Parse; callers inspect the
// resulting Message instead of matching substrings on the raw text.
package protocol

import (
	"strings"
)

// RoomID identifies the room a message is addressed to. Empty means the
// message carries no room header (global traffic).
type RoomID string

// Line is one protocol line of a Message.
type Line struct {
	// Raw is the unmodified line text.
	Raw string
	// Command is the first pipe-delimited token, lowercased. Empty for plain
	// text lines and for lines that do not begin with "|".
	Command string
	// Args are the tokens following the command.
	Args []string
}

// Body returns the raw text after "|<command>|", or "" when the line has no
// arguments.
func (l Line) Body() string {
	if l.Command == "" {
		return ""
	}
	i := strings.IndexByte(l.Raw[1:], '|')
	if i < 0 {
		return ""
	}
	return l.Raw[i+2:]
}

// Arg returns the i-th argument, or "" when absent.
func (l Line) Arg(i int) string {
	if i < 0 || i >= len(l.Args) {
		return ""
	}
	return l.Args[i]
}

// Message is one inbound frame from the simulator.
type Message struct {
	// Raw is the unmodified frame text.
	Raw string
	// Room is the addressed room, taken from a leading ">room" line.
	Room RoomID
	// Lines are the protocol lines following the room header.
	Lines []Line
}

// Parse classifies a raw frame into a Message.
//
// A frame beginning with ">" carries its room id between the ">" and the
// first line break. The remaining text is split into lines; a line beginning
// with "|" is split on "|" and its first token becomes the command.
//
// Postcondition: Raw is always set; Room is empty for unaddressed frames.
func Parse(raw string) Message {
	msg := Message{Raw: raw}
	rest := raw
	if strings.HasPrefix(rest, ">") {
		header, tail, found := strings.Cut(rest[1:], "\n")
		msg.Room = RoomID(strings.TrimRight(header, "\r"))
		if !found {
			return msg
		}
		rest = tail
	}
	if rest == "" {
		return msg
	}
	for _, text := range strings.Split(rest, "\n") {
		msg.Lines = append(msg.Lines, ParseLine(strings.TrimRight(text, "\r")))
	}
	return msg
}

// ParseLine splits a single protocol line.
//
// Postcondition: Command is empty unless text begins with "|".
func ParseLine(text string) Line {
	line := Line{Raw: text}
	if !strings.HasPrefix(text, "|") {
		return line
	}
	tokens := strings.Split(text[1:], "|")
	line.Command = strings.ToLower(tokens[0])
	if len(tokens) > 1 {
		line.Args = tokens[1:]
	}
	return line
}

// find returns the first line carrying command.
func (m Message) find(command string) (Line, bool) {
	for _, l := range m.Lines {
		if l.Command == command {
			return l, true
		}
	}
	return Line{}, false
}

// Challenge returns the login challenge carried by a "|challstr|" line.
//
// Postcondition: ok is false when the message carries no challenge.
func (m Message) Challenge() (string, bool) {
	l, ok := m.find("challstr")
	if !ok {
		return "", false
	}
	body := l.Body()
	return body, body != ""
}

// ConfirmsLogin reports whether the message confirms username is logged in.
// Names are compared by id so rank symbols, spacing and case do not matter.
func (m Message) ConfirmsLogin(username string) bool {
	want := ToID(username)
	if want == "" {
		return false
	}
	for _, l := range m.Lines {
		if l.Command == "updateuser" && ToID(l.Arg(0)) == want {
			return true
		}
	}
	return false
}

// BattleInit reports whether the message announces a new battle room.
func (m Message) BattleInit() bool {
	if m.Room == "" {
		return false
	}
	for _, l := range m.Lines {
		if l.Command == "init" && l.Arg(0) == "battle" {
			return true
		}
	}
	return false
}

// AddressedTo reports whether the message belongs to room. Rooms are compared
// exactly; "battle-1" does not match "battle-10".
func (m Message) AddressedTo(room RoomID) bool {
	return room != "" && m.Room == room
}

// Finished reports whether the message ends the battle with a win or a tie.
func (m Message) Finished() bool {
	for _, l := range m.Lines {
		if l.Command == "win" || l.Command == "tie" {
			return true
		}
	}
	return false
}

// Request returns the JSON payload of a "|request|" line. Empty requests,
// which the server sends to clear a previous one, are reported as absent.
func (m Message) Request() (string, bool) {
	l, ok := m.find("request")
	if !ok {
		return "", false
	}
	body := l.Body()
	return body, body != ""
}

// ToID normalizes a user name the way the simulator does: lowercase ASCII
// letters and digits only.
//
// Postcondition: The result contains only [a-z0-9].
func ToID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
