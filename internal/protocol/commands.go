package protocol

import "fmt"

// Unscoped commands are sent with an empty room token, i.e. a leading "|".

// RoomsCommand requests the room list. First half of the greeting.
func RoomsCommand() string { return "|/cmd rooms" }

// AutojoinCommand asks the server to rejoin auto-join rooms. Second half of the greeting.
func AutojoinCommand() string { return "|/autojoin" }

// Greeting returns the fixed greeting sequence in send order.
func Greeting() []string {
	return []string{RoomsCommand(), AutojoinCommand()}
}

// TrustedLoginCommand confirms a login with an assertion token.
//
// Precondition: username and assertion must be non-empty.
func TrustedLoginCommand(username, assertion string) string {
	return fmt.Sprintf("|/trn %s,0,%s", username, assertion)
}

// UseTeamCommand registers the packed team for the next search.
func UseTeamCommand(team string) string {
	return "|/utm " + team
}

// SearchCommand starts a ladder search in format.
func SearchCommand(format string) string {
	return "|/search " + format
}

// RoomCommand frames text for delivery to room.
//
// Precondition: room must be non-empty.
func RoomCommand(room RoomID, text string) string {
	return string(room) + "|" + text
}

// TimerOnCommand enables the battle timer in room.
func TimerOnCommand(room RoomID) string {
	return RoomCommand(room, "/timer on")
}

// ChooseCommand answers a decision request with choice, e.g. "move 1" or "default".
func ChooseCommand(choice string) string {
	return "/choose " + choice
}
