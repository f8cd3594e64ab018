// Package chatcmd recognises the slash shortcuts recruiters type in front of a
// chat message ("/s https://..." for an HR screening, "/inv ..." for an
// invite) and turns them into an action tag.
package chatcmd

import (
	"errors"
	"regexp"
	"strings"
)

// Action is the tag attached to a chat message.
type Action string

const (
	ActionNone        Action = ""
	ActionHRScreening Action = "hrscreening"
	ActionInvite      Action = "invite"
)

var ErrEmptyText = errors.New("chatcmd: message text is empty")

// DefaultCommands is the shortcut table. Cyrillic aliases cover a keyboard
// left in the Russian layout ("/ы" is "/s", "/шт" is "/in").
var DefaultCommands = map[string]Action{
	"/s":      ActionHRScreening,
	"/hr":     ActionHRScreening,
	"/screen": ActionHRScreening,
	"/ы":      ActionHRScreening,
	"/in":     ActionInvite,
	"/inv":    ActionInvite,
	"/prigl":  ActionInvite,
	"/пригл":  ActionInvite,
	"/шт":     ActionInvite,
}

var commandRe = regexp.MustCompile(`^/[a-zA-Zа-яёА-ЯЁ]+`)

// Parsed is the result of Parse.
type Parsed struct {
	Action  Action
	Command string // matched shortcut, lowercased; empty when none
	Text    string // message with the shortcut removed
}

// Parse looks for a known shortcut at the very start of input. On a match
// the shortcut is cut off and leading whitespace trimmed; otherwise the text
// comes back unchanged.
func Parse(input string) Parsed {
	return ParseWith(input, DefaultCommands)
}

// ParseWith is Parse with a custom shortcut table.
func ParseWith(input string, commands map[string]Action) Parsed {
	m := commandRe.FindString(input)
	if m == "" {
		return Parsed{Text: input}
	}
	cmd := strings.ToLower(m)
	action, ok := commands[cmd]
	if !ok {
		return Parsed{Text: input}
	}
	return Parsed{
		Action:  action,
		Command: cmd,
		Text:    strings.TrimLeft(input[len(m):], " \t\r\n"),
	}
}

// Message is the JSON body posted to the chat endpoint.
type Message struct {
	ActionType Action `json:"action_type"`
	Text       string `json:"text"`
	SessionID  string `json:"session_id"`
}

// NewMessage parses input and builds the payload. Blank text is rejected.
func NewMessage(sessionID, input string) (Message, error) {
	p := Parse(input)
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return Message{}, ErrEmptyText
	}
	return Message{ActionType: p.Action, Text: text, SessionID: sessionID}, nil
}
