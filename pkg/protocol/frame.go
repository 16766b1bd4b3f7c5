package protocol

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/cuemby/hangar/pkg/log"
)

// HeaderSize is the size of the little-endian length prefix
const HeaderSize = 2

// Frame is one length-prefixed protocol message
type Frame struct {
	// Length is the length the sender declared in the header
	Length uint16

	// Payload holds the bytes actually received. It may be shorter than
	// Length when the sender's length field was wrong.
	Payload []byte

	// Truncated is set when fewer than Length bytes arrived
	Truncated bool
}

// Type returns the message type code, or 0 for an empty payload.
func (f *Frame) Type() MessageType {
	if len(f.Payload) == 0 {
		return 0
	}
	return MessageType(f.Payload[0])
}

// ReadFrame reads one frame from r. The declared length is not trusted: if
// the stream ends before Length bytes arrive, the mismatch is logged and
// the frame is returned with the bytes that were received.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint16(hdr[:])
	payload := make([]byte, length)
	n, err := io.ReadFull(r, payload)
	switch {
	case err == nil:
		return &Frame{Length: length, Payload: payload}, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		logger := log.WithComponent("protocol")
		logger.Warn().
			Uint16("declared", length).
			Int("received", n).
			Msg("Frame length mismatch, decoding received bytes")
		return &Frame{Length: length, Payload: payload[:n], Truncated: true}, nil
	case errors.Is(err, io.EOF) && length > 0:
		return nil, io.ErrUnexpectedEOF
	default:
		return nil, err
	}
}

// DecodeFrame decodes one frame from the front of buf and returns the
// number of bytes consumed. It returns ErrNeedMoreData while the buffer
// holds less than a full frame.
func DecodeFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrNeedMoreData
	}
	length := int(binary.LittleEndian.Uint16(buf))
	if len(buf)-HeaderSize < length {
		return nil, 0, ErrNeedMoreData
	}
	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:HeaderSize+length])
	return &Frame{Length: uint16(length), Payload: payload}, HeaderSize + length, nil
}

// EncodeFrame prefixes payload with its little-endian length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(out, uint16(len(payload)))
	copy(out[HeaderSize:], payload)
	return out, nil
}
