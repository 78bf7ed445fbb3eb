package fpdu

import (
	"encoding/binary"
	"fmt"
)

// Parameter identifiers (PI). Values below 0x80 are primitives.
const (
	PICRC           uint8 = 0x01 // PI_01 CRC option
	PIDiag          uint8 = 0x02 // PI_02 diagnostic, 3 bytes
	PIPartnerID     uint8 = 0x03 // PI_03 calling partner identifier
	PIServerID      uint8 = 0x04 // PI_04 requested server identifier
	PICredential    uint8 = 0x05 // PI_05 access-control credential
	PIVersion       uint8 = 0x06 // PI_06 protocol version
	PISyncOption    uint8 = 0x07 // PI_07 sync-point option: interval KB (2) + window (1)
	PIFileType      uint8 = 0x0B // PI_11 virtual file type
	PIFilename      uint8 = 0x0C // PI_12 filename
	PITransferID    uint8 = 0x0D // PI_13 transfer identifier
	PIRestart       uint8 = 0x0E // PI_14 transfer restart flag
	PIDataCode      uint8 = 0x10 // PI_16 data encoding (0=binary, 1=EBCDIC)
	PIRestartPoint  uint8 = 0x12 // PI_18 restart point (byte position)
	PISyncPoint     uint8 = 0x14 // PI_20 sync point number
	PICompression   uint8 = 0x15 // PI_21 compression (always 0)
	PIAccessType    uint8 = 0x16 // PI_22 access type (0=read, 1=write, 2=mixed)
	PIResync        uint8 = 0x17 // PI_23 resynchronization option
	PIMaxEntitySize uint8 = 0x19 // PI_25 maximum entity size
	PIByteCount     uint8 = 0x1B // PI_27 number of bytes transferred
	PIRecordCount   uint8 = 0x1C // PI_28 number of records transferred
	PIRecordFormat  uint8 = 0x1F // PI_31 record format (0=fixed, 1=variable)
	PIRecordLength  uint8 = 0x20 // PI_32 record length
	PIReservUnit    uint8 = 0x29 // PI_41 reservation unit
	PIMaxReserv     uint8 = 0x2A // PI_42 maximum reservation
	PICreationDate  uint8 = 0x33 // PI_51 creation date, YYYYMMDDHHMMSS
	PIModifiedDate  uint8 = 0x34 // PI_52 last-modified date, YYYYMMDDHHMMSS
	PIFileSize      uint8 = 0x3C // PI_60 file size in bytes (ACK_SELECT)
	PIMessage       uint8 = 0x5B // PI_91 message content
	PIFreeMessage   uint8 = 0x63 // PI_99 free-form message
)

// Parameter group identifiers (PGI). The high bit distinguishes a group
// from a primitive; groups contain only nested parameter values.
const (
	PGIFileID   uint8 = 0x89 // PGI_09 file identification (PI_11, PI_12, PI_13)
	PGILogical  uint8 = 0x9E // PGI_30 logical attributes (PI_31, PI_32)
	PGIPhysical uint8 = 0xA8 // PGI_40 physical attributes (PI_41, PI_42)
	PGIHistory  uint8 = 0xB2 // PGI_50 historical attributes (PI_51, PI_52)
)

// IsGroupID reports whether id identifies a parameter group.
func IsGroupID(id uint8) bool {
	return id&0x80 != 0
}

// Param is a single parameter value: either a primitive identified by a
// PI carrying raw bytes, or a group identified by a PGI carrying nested
// parameters. Exactly one of Value and Nested is meaningful.
//
// Value keeps the bytes exactly as received so that unknown parameters
// re-encode byte-identically.
type Param struct {
	ID     uint8
	Value  []byte
	Nested []Param
}

// IsGroup reports whether the parameter is a group.
func (p Param) IsGroup() bool {
	return IsGroupID(p.ID)
}

// Bytes builds a primitive parameter from raw bytes.
func Bytes(id uint8, value []byte) Param {
	return Param{ID: id, Value: value}
}

// String builds a primitive parameter from a string value.
func String(id uint8, value string) Param {
	return Param{ID: id, Value: []byte(value)}
}

// Uint builds a primitive parameter carrying an unsigned integer in
// minimal big-endian width (at least one byte).
func Uint(id uint8, v uint64) Param {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return Param{ID: id, Value: append([]byte(nil), buf[i:]...)}
}

// Group builds a parameter group with the given nested parameters.
func Group(id uint8, nested ...Param) Param {
	return Param{ID: id, Nested: nested}
}

// AsUint interprets the parameter value as a big-endian unsigned
// integer. Values wider than 8 bytes are out of range.
func (p Param) AsUint() (uint64, error) {
	if p.IsGroup() {
		return 0, fmt.Errorf("parameter %#02x is a group", p.ID)
	}
	if len(p.Value) == 0 || len(p.Value) > 8 {
		return 0, fmt.Errorf("parameter %#02x: integer width %d out of range", p.ID, len(p.Value))
	}
	var v uint64
	for _, b := range p.Value {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// AsString interprets the parameter value as a string.
func (p Param) AsString() string {
	return string(p.Value)
}

// Find returns the first nested parameter with the given id.
func (p Param) Find(id uint8) (Param, bool) {
	for _, n := range p.Nested {
		if n.ID == id {
			return n, true
		}
	}
	return Param{}, false
}

// encodedLen returns the encoded size of the parameter including its
// two-byte id+length prefix.
func (p Param) encodedLen() (int, error) {
	if p.IsGroup() {
		total := 0
		for _, n := range p.Nested {
			l, err := n.encodedLen()
			if err != nil {
				return 0, err
			}
			total += l
		}
		if total > 0xFF {
			return 0, fmt.Errorf("group %#02x: nested parameters exceed 255 bytes", p.ID)
		}
		return 2 + total, nil
	}
	if len(p.Value) > 0xFF {
		return 0, fmt.Errorf("parameter %#02x: value exceeds 255 bytes", p.ID)
	}
	return 2 + len(p.Value), nil
}
