package fpdu

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes the FPDU to its wire form. Parameter order is
// preserved exactly as listed.
func Encode(f *FPDU) ([]byte, error) {
	bodyLen := 0
	if f.Kind.HasPayload() {
		bodyLen = len(f.Payload)
	} else {
		for _, p := range f.Params {
			l, err := p.encodedLen()
			if err != nil {
				return nil, err
			}
			bodyLen += l
		}
	}

	total := HeaderSize + bodyLen
	if total > MaxFrameSize {
		return nil, fmt.Errorf("fpdu %s: frame length %d exceeds %d", f.Kind, total, MaxFrameSize)
	}

	buf := make([]byte, HeaderSize, total)
	binary.BigEndian.PutUint16(buf[0:2], uint16(total))
	buf[2] = uint8(f.Kind.Phase)
	buf[3] = f.Kind.Type
	binary.BigEndian.PutUint16(buf[4:6], f.DestID)
	binary.BigEndian.PutUint16(buf[6:8], f.SrcID)

	return appendBody(buf, f)
}

func appendBody(buf []byte, f *FPDU) ([]byte, error) {
	if f.Kind.HasPayload() {
		return append(buf, f.Payload...), nil
	}
	var err error
	for _, p := range f.Params {
		buf, err = appendParam(buf, p)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendParam(buf []byte, p Param) ([]byte, error) {
	if p.IsGroup() {
		inner := []byte{}
		var err error
		for _, n := range p.Nested {
			inner, err = appendParam(inner, n)
			if err != nil {
				return nil, err
			}
		}
		if len(inner) > 0xFF {
			return nil, fmt.Errorf("group %#02x: nested parameters exceed 255 bytes", p.ID)
		}
		buf = append(buf, p.ID, byte(len(inner)))
		return append(buf, inner...), nil
	}
	if len(p.Value) > 0xFF {
		return nil, fmt.Errorf("parameter %#02x: value exceeds 255 bytes", p.ID)
	}
	buf = append(buf, p.ID, byte(len(p.Value)))
	return append(buf, p.Value...), nil
}
