package protocol

import (
	"encoding/binary"
	"regexp"

	"github.com/cuemby/hangar/pkg/types"
)

// StatusFixedLength is the size of a status payload with no player block
const StatusFixedLength = 54

// Byte offsets inside a status payload
const (
	statusCodeOffset     = 1
	statusUptimeOffset   = 2
	statusLoadOffset     = 6
	statusClientsOffset  = 10
	statusStartedOffset  = 11
	statusPhaseOffset    = 40
	statusEchoOffset     = 53
	playerAccountIDBytes = 4
	playerPingBytes      = 6
)

// Status is the periodic worker status report
type Status struct {
	Code         int
	UptimeMs     uint32
	Load         float64
	NumClients   int
	MatchStarted int
	GamePhase    int
	ClientsEcho  int

	// HasPlayerBlock is false for fixed-length (54 byte) reports
	HasPlayerBlock bool
	Players        []types.Player
}

func decodeStatus(p []byte) (Message, error) {
	if len(p) < StatusFixedLength {
		return nil, anomaly(AnomalyShortPayload, TypeStatus, "need %d bytes, got %d", StatusFixedLength, len(p))
	}

	st := &Status{
		Code:         int(p[statusCodeOffset]),
		UptimeMs:     binary.LittleEndian.Uint32(p[statusUptimeOffset : statusUptimeOffset+4]),
		Load:         float64(binary.LittleEndian.Uint32(p[statusLoadOffset:statusLoadOffset+4])) / 100,
		NumClients:   int(p[statusClientsOffset]),
		MatchStarted: int(p[statusStartedOffset]),
		GamePhase:    int(p[statusPhaseOffset]),
		ClientsEcho:  int(p[statusEchoOffset]),
	}
	if len(p) == StatusFixedLength {
		return st, nil
	}

	st.HasPlayerBlock = true
	players, err := parsePlayers(p[StatusFixedLength:])
	st.Players = players
	return st, err
}

// ipv4Re locates player records. There is no record count in the block,
// so records are found by scanning for dotted-quad text. A name or
// location containing dotted-decimal text will produce a spurious record.
var ipv4Re = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)

// parsePlayers decodes the variable player block in scan order. Records
// that cannot be completed are skipped and reported as an anomaly.
func parsePlayers(block []byte) ([]types.Player, error) {
	players := []types.Player{}
	var firstErr error
	skip := func(format string, args ...any) {
		if firstErr == nil {
			firstErr = anomaly(AnomalyBadPlayer, TypeStatus, format, args...)
		}
	}

	for _, loc := range ipv4Re.FindAllIndex(block, -1) {
		start, end := loc[0], loc[1]
		if start < playerAccountIDBytes {
			skip("no account id before IP at offset %d", start)
			continue
		}

		pl := types.Player{
			AccountID: binary.LittleEndian.Uint32(block[start-playerAccountIDBytes : start]),
			IP:        string(block[start:end]),
		}

		rest := block[end:]
		if len(rest) > 0 && rest[0] == 0 {
			rest = rest[1:]
		}

		name, rest, ok := cString(rest)
		if !ok {
			skip("unterminated name for %s", pl.IP)
			continue
		}
		location, rest, ok := cString(rest)
		if !ok {
			skip("unterminated location for %s", pl.IP)
			continue
		}
		if len(rest) < playerPingBytes {
			skip("truncated ping values for %s", pl.IP)
			continue
		}

		pl.Name, firstErr = validString(name, TypeStatus, firstErr)
		pl.Location, firstErr = validString(location, TypeStatus, firstErr)
		pl.MinPing = binary.LittleEndian.Uint16(rest[0:2])
		pl.AvgPing = binary.LittleEndian.Uint16(rest[2:4])
		pl.MaxPing = binary.LittleEndian.Uint16(rest[4:6])
		players = append(players, pl)
	}
	return players, firstErr
}
