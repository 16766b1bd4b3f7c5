package protocol

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cuemby/hangar/pkg/types"
)

// MessageType is the first payload byte of a worker-to-supervisor frame
type MessageType byte

const (
	TypeAnnounce           MessageType = 0x40
	TypeClosed             MessageType = 0x41
	TypeStatus             MessageType = 0x42
	TypeLongFrame          MessageType = 0x43
	TypeLobbyCreated       MessageType = 0x44
	TypeLobbyClosed        MessageType = 0x45
	TypeCowBeingUsed       MessageType = 0x46
	TypeServerConnection   MessageType = 0x47
	TypeCowStatsSubmission MessageType = 0x48
	TypeCowForkResponse    MessageType = 0x49
	TypeReplayUpdate       MessageType = 0x4A
)

var typeNames = map[MessageType]string{
	TypeAnnounce:           "announce",
	TypeClosed:             "closed",
	TypeStatus:             "status",
	TypeLongFrame:          "long_frame",
	TypeLobbyCreated:       "lobby_created",
	TypeLobbyClosed:        "lobby_closed",
	TypeCowBeingUsed:       "cow_being_used",
	TypeServerConnection:   "server_connection",
	TypeCowStatsSubmission: "cow_stats_submission",
	TypeCowForkResponse:    "cow_fork_response",
	TypeReplayUpdate:       "replay_update",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

// Message is a decoded worker-to-supervisor payload
type Message interface {
	Type() MessageType
}

// Announce is the first frame on every control connection
type Announce struct {
	Port int
}

// Closed signals the worker's session ended; state is reset
type Closed struct{}

// LongFrame reports a server frame that overran by SkippedMs
type LongFrame struct {
	SkippedMs uint16
}

// LobbyCreated announces a new lobby
type LobbyCreated struct {
	types.MatchInfo
}

// LobbyClosed announces the lobby ended; state is reset
type LobbyClosed struct{}

// CowForkResponse is the fork result from a pre-forked pool master
type CowForkResponse struct {
	Port uint16
}

// ReplayUpdate carries replay progress. MatchID is the first /digits/
// path segment found in the body, if any.
type ReplayUpdate struct {
	Body    []byte
	MatchID string
}

// Observed is a message that is recognised but not acted on
type Observed struct {
	Kind MessageType
	Body []byte
}

// Unhandled is a message with a type code missing from the table
type Unhandled struct {
	Kind MessageType
	Body []byte
}

func (Announce) Type() MessageType        { return TypeAnnounce }
func (Closed) Type() MessageType          { return TypeClosed }
func (*Status) Type() MessageType         { return TypeStatus }
func (LongFrame) Type() MessageType       { return TypeLongFrame }
func (LobbyCreated) Type() MessageType    { return TypeLobbyCreated }
func (LobbyClosed) Type() MessageType     { return TypeLobbyClosed }
func (CowForkResponse) Type() MessageType { return TypeCowForkResponse }
func (ReplayUpdate) Type() MessageType    { return TypeReplayUpdate }
func (o Observed) Type() MessageType      { return o.Kind }
func (u Unhandled) Type() MessageType     { return u.Kind }

type decoder func(payload []byte) (Message, error)

// decoders is the fixed type → decoder table. Types absent from it fall
// through to the unhandled branch in Decode.
var decoders = map[MessageType]decoder{
	TypeAnnounce:           decodeAnnounce,
	TypeClosed:             func([]byte) (Message, error) { return Closed{}, nil },
	TypeStatus:             decodeStatus,
	TypeLongFrame:          decodeLongFrame,
	TypeLobbyCreated:       decodeLobbyCreated,
	TypeLobbyClosed:        func([]byte) (Message, error) { return LobbyClosed{}, nil },
	TypeCowBeingUsed:       decodeObserved,
	TypeServerConnection:   decodeObserved,
	TypeCowStatsSubmission: decodeObserved,
	TypeCowForkResponse:    decodeCowForkResponse,
	TypeReplayUpdate:       decodeReplayUpdate,
}

// Decode dispatches payload on its type byte. A non-nil error is always an
// *Anomaly; the returned Message may still be non-nil (best effort) and
// callers should apply it after logging the anomaly.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, anomaly(AnomalyEmptyPayload, 0, "frame has no type byte")
	}
	t := MessageType(payload[0])
	dec, ok := decoders[t]
	if !ok {
		return Unhandled{Kind: t, Body: payload[1:]}, anomaly(AnomalyUnknownType, t, "no decoder for type")
	}
	return dec(payload)
}

func decodeAnnounce(p []byte) (Message, error) {
	body := p[1:]
	if len(body) == 0 || len(body) > 8 {
		return nil, anomaly(AnomalyShortPayload, TypeAnnounce, "port field is %d bytes", len(body))
	}
	var port uint64
	for i := len(body) - 1; i >= 0; i-- {
		port = port<<8 | uint64(body[i])
	}
	return Announce{Port: int(port)}, nil
}

func decodeLongFrame(p []byte) (Message, error) {
	if len(p) < 3 {
		return nil, anomaly(AnomalyShortPayload, TypeLongFrame, "need 3 bytes, got %d", len(p))
	}
	return LongFrame{SkippedMs: binary.LittleEndian.Uint16(p[1:3])}, nil
}

func decodeCowForkResponse(p []byte) (Message, error) {
	if len(p) < 3 {
		return nil, anomaly(AnomalyShortPayload, TypeCowForkResponse, "need 3 bytes, got %d", len(p))
	}
	return CowForkResponse{Port: binary.LittleEndian.Uint16(p[1:3])}, nil
}

func decodeObserved(p []byte) (Message, error) {
	return Observed{Kind: MessageType(p[0]), Body: p[1:]}, nil
}

// lobbyStringsOffset is where the map/name/mode strings begin; byte 5 is
// padding after the match id.
const lobbyStringsOffset = 6

func decodeLobbyCreated(p []byte) (Message, error) {
	if len(p) < lobbyStringsOffset {
		return nil, anomaly(AnomalyShortPayload, TypeLobbyCreated, "need %d bytes, got %d", lobbyStringsOffset, len(p))
	}
	msg := LobbyCreated{}
	msg.MatchID = binary.LittleEndian.Uint32(p[1:5])

	fields := []*string{&msg.Map, &msg.Name, &msg.Mode}
	rest := p[lobbyStringsOffset:]
	var firstErr error
	for i, field := range fields {
		s, next, ok := cString(rest)
		if !ok {
			return msg, anomaly(AnomalyShortPayload, TypeLobbyCreated, "string %d is not NUL-terminated", i)
		}
		*field, firstErr = validString(s, TypeLobbyCreated, firstErr)
		rest = next
	}
	return msg, firstErr
}

var replayMatchIDRe = regexp.MustCompile(`/(\d+)/`)

func decodeReplayUpdate(p []byte) (Message, error) {
	msg := ReplayUpdate{Body: p[1:]}
	if m := replayMatchIDRe.FindSubmatch(msg.Body); m != nil {
		msg.MatchID = string(m[1])
	}
	return msg, nil
}

// cString splits b at the first NUL. ok is false when no NUL is present.
func cString(b []byte) (s []byte, rest []byte, ok bool) {
	for i, c := range b {
		if c == 0 {
			return b[:i], b[i+1:], true
		}
	}
	return nil, nil, false
}

// validString converts b to a string, replacing invalid UTF-8 and recording
// the first anomaly seen.
func validString(b []byte, t MessageType, prev error) (string, error) {
	if utf8.Valid(b) {
		return string(b), prev
	}
	if prev == nil {
		prev = anomaly(AnomalyBadString, t, "invalid UTF-8 in %q", b)
	}
	return strings.ToValidUTF8(string(b), "\uFFFD"), prev
}
