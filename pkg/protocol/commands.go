package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Opcodes for single-byte supervisor commands
const (
	OpSleep    byte = 0x20
	OpWake     byte = 0x21
	OpShutdown byte = 0x22

	// messagePrefix starts a chat message sent to all connected clients
	messagePrefix byte = '$'
)

// CommandKind identifies a supervisor-to-worker command
type CommandKind int

const (
	CommandRaw CommandKind = iota
	CommandSleep
	CommandWake
	CommandShutdown
	CommandMessage
)

func (k CommandKind) String() string {
	switch k {
	case CommandSleep:
		return "sleep"
	case CommandWake:
		return "wake"
	case CommandShutdown:
		return "shutdown"
	case CommandMessage:
		return "message"
	default:
		return "raw"
	}
}

// Command is a supervisor-to-worker command. Text is used by
// CommandMessage, Raw by CommandRaw.
type Command struct {
	Kind CommandKind
	Text string
	Raw  []byte
}

// Sleep returns the sleep command.
func Sleep() Command { return Command{Kind: CommandSleep} }

// Wake returns the wake command.
func Wake() Command { return Command{Kind: CommandWake} }

// Shutdown returns the shutdown command.
func Shutdown() Command { return Command{Kind: CommandShutdown} }

// ChatMessage returns a command broadcasting text to connected clients.
func ChatMessage(text string) Command { return Command{Kind: CommandMessage, Text: text} }

// Raw returns a command carrying caller-supplied bytes.
func Raw(b []byte) Command { return Command{Kind: CommandRaw, Raw: b} }

// Payload returns the unframed command bytes.
func (c Command) Payload() []byte {
	switch c.Kind {
	case CommandSleep:
		return []byte{OpSleep}
	case CommandWake:
		return []byte{OpWake}
	case CommandShutdown:
		return []byte{OpShutdown}
	case CommandMessage:
		text := asciiOnly(c.Text)
		out := make([]byte, 0, len(text)+2)
		out = append(out, messagePrefix)
		out = append(out, text...)
		return append(out, 0)
	default:
		return c.Raw
	}
}

// Encode returns the framed command ready to write to a session.
func (c Command) Encode() ([]byte, error) {
	return EncodeFrame(c.Payload())
}

// ParseCommand recovers a command from an unframed payload. It is the
// inverse of Payload.
func ParseCommand(payload []byte) Command {
	if len(payload) == 1 {
		switch payload[0] {
		case OpSleep:
			return Sleep()
		case OpWake:
			return Wake()
		case OpShutdown:
			return Shutdown()
		}
	}
	if len(payload) >= 2 && payload[0] == messagePrefix && payload[len(payload)-1] == 0 {
		return ChatMessage(string(payload[1 : len(payload)-1]))
	}
	return Raw(payload)
}

// ParseRaw converts console-style input into raw command bytes. Tokens of
// the form 0xNN or \xNN become single bytes; runs of other tokens are kept
// as ASCII text joined by single spaces.
func ParseRaw(input string) ([]byte, error) {
	var out []byte
	prevText := false
	for _, tok := range strings.Fields(input) {
		if b, ok, err := hexToken(tok); ok {
			if err != nil {
				return nil, err
			}
			out = append(out, b)
			prevText = false
			continue
		}
		if prevText {
			out = append(out, ' ')
		}
		out = append(out, asciiOnly(tok)...)
		prevText = true
	}
	return out, nil
}

func hexToken(tok string) (byte, bool, error) {
	lower := strings.ToLower(tok)
	if !strings.HasPrefix(lower, "0x") && !strings.HasPrefix(lower, `\x`) {
		return 0, false, nil
	}
	digits := tok[2:]
	if len(digits) != 2 {
		return 0, false, nil
	}
	b, err := hex.DecodeString(digits)
	if err != nil {
		return 0, true, fmt.Errorf("invalid hex token %q: %w", tok, err)
	}
	return b[0], true, nil
}

func asciiOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r > 0x7F {
			return '?'
		}
		return r
	}, s)
}
