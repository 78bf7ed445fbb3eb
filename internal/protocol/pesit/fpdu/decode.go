package fpdu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed is the failure class for frames that cannot be parsed:
// buffer underflow, impossible lengths, stray bytes inside a group.
// Malformed frames are fatal for the session.
var ErrMalformed = errors.New("malformed FPDU")

// ErrUnknownKind is the failure class for a well-formed frame whose
// phase/type pair is not part of the protocol vocabulary. The session
// answers with ABORT instead of dropping the connection.
var ErrUnknownKind = errors.New("unknown FPDU kind")

// ReadFrame reads one complete frame (header plus declared body) from
// r. The returned slice is freshly allocated and owned by the caller.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	total := int(binary.BigEndian.Uint16(header[0:2]))
	if total < HeaderSize {
		return nil, fmt.Errorf("%w: declared length %d below header size", ErrMalformed, total)
	}
	frame := make([]byte, total)
	copy(frame, header[:])
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated body (want %d bytes)", ErrMalformed, total-HeaderSize)
		}
		return nil, err
	}
	return frame, nil
}

// Decode parses a complete frame. The frame must contain exactly the
// bytes declared by its length field.
func Decode(frame []byte) (*FPDU, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: frame shorter than header (%d bytes)", ErrMalformed, len(frame))
	}
	declared := int(binary.BigEndian.Uint16(frame[0:2]))
	if declared != len(frame) {
		return nil, fmt.Errorf("%w: declared length %d, got %d bytes", ErrMalformed, declared, len(frame))
	}

	kind := Kind{Phase: Phase(frame[2]), Type: frame[3]}
	f := &FPDU{
		Kind:   kind,
		DestID: binary.BigEndian.Uint16(frame[4:6]),
		SrcID:  binary.BigEndian.Uint16(frame[6:8]),
	}
	if !kind.Known() {
		return f, fmt.Errorf("%w: phase %#02x type %#02x", ErrUnknownKind, frame[2], frame[3])
	}

	body := frame[HeaderSize:]
	if kind.HasPayload() {
		f.Payload = append([]byte(nil), body...)
		return f, nil
	}

	params, err := decodeParams(body)
	if err != nil {
		return nil, err
	}
	f.Params = params
	return f, nil
}

// decodeParams parses an ordered parameter sequence that must consume
// the buffer exactly.
func decodeParams(buf []byte) ([]Param, error) {
	var params []Param
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, fmt.Errorf("%w: dangling parameter byte", ErrMalformed)
		}
		id, length := buf[0], int(buf[1])
		if len(buf) < 2+length {
			return nil, fmt.Errorf("%w: parameter %#02x declares %d bytes, %d remain", ErrMalformed, id, length, len(buf)-2)
		}
		value := buf[2 : 2+length]
		if IsGroupID(id) {
			nested, err := decodeParams(value)
			if err != nil {
				return nil, fmt.Errorf("group %#02x: %w", id, err)
			}
			params = append(params, Param{ID: id, Nested: nested})
		} else {
			params = append(params, Param{ID: id, Value: append([]byte(nil), value...)})
		}
		buf = buf[2+length:]
	}
	return params, nil
}
