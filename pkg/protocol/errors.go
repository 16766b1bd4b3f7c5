package protocol

import (
	"errors"
	"fmt"
)

// ErrNeedMoreData is returned by DecodeFrame when the buffer does not yet
// hold a complete frame.
var ErrNeedMoreData = errors.New("protocol: need more data")

// ErrFrameTooLarge is returned when a payload does not fit the 16-bit
// length prefix.
var ErrFrameTooLarge = errors.New("protocol: payload exceeds 65535 bytes")

// AnomalyKind classifies a non-fatal protocol irregularity
type AnomalyKind string

const (
	AnomalyLengthMismatch AnomalyKind = "length_mismatch"
	AnomalyEmptyPayload   AnomalyKind = "empty_payload"
	AnomalyUnknownType    AnomalyKind = "unknown_type"
	AnomalyShortPayload   AnomalyKind = "short_payload"
	AnomalyBadString      AnomalyKind = "bad_string"
	AnomalyBadPlayer      AnomalyKind = "bad_player_record"
)

// Anomaly is a protocol irregularity that is logged but never fatal.
// Decoders return it alongside a best-effort message where one could be
// built.
type Anomaly struct {
	Kind   AnomalyKind
	Type   MessageType
	Detail string
}

func (a *Anomaly) Error() string {
	return fmt.Sprintf("protocol anomaly %s on %s: %s", a.Kind, a.Type, a.Detail)
}

func anomaly(kind AnomalyKind, t MessageType, format string, args ...any) *Anomaly {
	return &Anomaly{Kind: kind, Type: t, Detail: fmt.Sprintf(format, args...)}
}

// IsAnomaly reports whether err is a non-fatal protocol anomaly.
func IsAnomaly(err error) bool {
	var a *Anomaly
	return errors.As(err, &a)
}
