// Package fpdu implements the PeSIT-E FPDU codec: framed protocol data
// units carrying ordered parameter values (PI), nested parameter groups
// (PGI) and, for data-bearing kinds, a raw payload.
//
// Frame layout (big-endian):
//
//	0      2      3      4      6      8
//	+------+------+------+------+------+
//	| len  |phase | type | dest | src  |
//	+------+------+------+------+------+
//
// len is the total FPDU length including the 8-byte header. For DTF the
// body is the raw payload; for every other kind the body is a sequence
// of parameter values. Encoding and decoding round-trip byte-exactly,
// including parameter order and unknown parameter identifiers.
package fpdu

import "fmt"

// HeaderSize is the fixed FPDU header size in bytes.
const HeaderSize = 8

// MaxFrameSize is the largest frame the codec accepts. The length field
// is 16 bits, so no conformant peer can exceed it.
const MaxFrameSize = 0xFFFF

// Phase identifies the protocol phase an FPDU belongs to.
type Phase uint8

const (
	PhaseSupervision Phase = 0x00
	PhaseConnection  Phase = 0x01
	PhaseSelection   Phase = 0x02
	PhaseOpen        Phase = 0x03
	PhaseTransfer    Phase = 0x04
	PhaseMessage     Phase = 0x05
)

// Kind identifies an FPDU by its phase and type bytes.
type Kind struct {
	Phase Phase
	Type  uint8
}

// FPDU kinds understood by this implementation.
var (
	KindAbort = Kind{PhaseSupervision, 0x01}

	KindConnect  = Kind{PhaseConnection, 0x01}
	KindAConnect = Kind{PhaseConnection, 0x02}
	KindRConnect = Kind{PhaseConnection, 0x03}
	KindRelease  = Kind{PhaseConnection, 0x04}
	KindRelConf  = Kind{PhaseConnection, 0x05}

	KindCreate      = Kind{PhaseSelection, 0x01}
	KindAckCreate   = Kind{PhaseSelection, 0x02}
	KindSelect      = Kind{PhaseSelection, 0x03}
	KindAckSelect   = Kind{PhaseSelection, 0x04}
	KindDeselect    = Kind{PhaseSelection, 0x05}
	KindAckDeselect = Kind{PhaseSelection, 0x06}

	KindOpen     = Kind{PhaseOpen, 0x01}
	KindAckOpen  = Kind{PhaseOpen, 0x02}
	KindClose    = Kind{PhaseOpen, 0x03}
	KindAckClose = Kind{PhaseOpen, 0x04}

	KindWrite       = Kind{PhaseTransfer, 0x01}
	KindAckWrite    = Kind{PhaseTransfer, 0x02}
	KindRead        = Kind{PhaseTransfer, 0x03}
	KindAckRead     = Kind{PhaseTransfer, 0x04}
	KindDTF         = Kind{PhaseTransfer, 0x05}
	KindDTFEnd      = Kind{PhaseTransfer, 0x06}
	KindSyn         = Kind{PhaseTransfer, 0x07}
	KindAckSyn      = Kind{PhaseTransfer, 0x08}
	KindResyn       = Kind{PhaseTransfer, 0x09}
	KindAckResyn    = Kind{PhaseTransfer, 0x0A}
	KindTransEnd    = Kind{PhaseTransfer, 0x0B}
	KindAckTransEnd = Kind{PhaseTransfer, 0x0C}
	KindIDT         = Kind{PhaseTransfer, 0x0D}
	KindAckIDT      = Kind{PhaseTransfer, 0x0E}

	KindMsg    = Kind{PhaseMessage, 0x01}
	KindAckMsg = Kind{PhaseMessage, 0x02}
	KindMsgDM  = Kind{PhaseMessage, 0x03}
	KindMsgMM  = Kind{PhaseMessage, 0x04}
	KindMsgFM  = Kind{PhaseMessage, 0x05}
)

// kindNames maps every known kind to its protocol name. Kinds absent
// from this map are rejected by the decoder with ErrUnknownKind.
var kindNames = map[Kind]string{
	KindAbort:       "ABORT",
	KindConnect:     "CONNECT",
	KindAConnect:    "ACONNECT",
	KindRConnect:    "RCONNECT",
	KindRelease:     "RELEASE",
	KindRelConf:     "RELCONF",
	KindCreate:      "CREATE",
	KindAckCreate:   "ACK_CREATE",
	KindSelect:      "SELECT",
	KindAckSelect:   "ACK_SELECT",
	KindDeselect:    "DESELECT",
	KindAckDeselect: "ACK_DESELECT",
	KindOpen:        "OPEN",
	KindAckOpen:     "ACK_OPEN",
	KindClose:       "CLOSE",
	KindAckClose:    "ACK_CLOSE",
	KindWrite:       "WRITE",
	KindAckWrite:    "ACK_WRITE",
	KindRead:        "READ",
	KindAckRead:     "ACK_READ",
	KindDTF:         "DTF",
	KindDTFEnd:      "DTF_END",
	KindSyn:         "SYN",
	KindAckSyn:      "ACK_SYN",
	KindResyn:       "RESYN",
	KindAckResyn:    "ACK_RESYN",
	KindTransEnd:    "TRANS_END",
	KindAckTransEnd: "ACK_TRANS_END",
	KindIDT:         "IDT",
	KindAckIDT:      "ACK_IDT",
	KindMsg:         "MSG",
	KindAckMsg:      "ACK_MSG",
	KindMsgDM:       "MSGDM",
	KindMsgMM:       "MSGMM",
	KindMsgFM:       "MSGFM",
}

// Known reports whether the kind is part of the protocol vocabulary.
func (k Kind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

// HasPayload reports whether the FPDU body is raw data instead of
// parameters. Only DTF carries a payload.
func (k Kind) HasPayload() bool {
	return k == KindDTF
}

// String returns the protocol name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%02x/%02x)", uint8(k.Phase), k.Type)
}

// FPDU is a single decoded protocol unit.
type FPDU struct {
	Kind Kind

	// DestID is the destination connection id: the peer's connection id
	// on everything the server emits.
	DestID uint16

	// SrcID is the source connection id.
	SrcID uint16

	// Params is the ordered parameter list. Nil for DTF.
	Params []Param

	// Payload is the raw data of a DTF. Nil for every other kind.
	Payload []byte
}

// New builds an FPDU of the given kind with the given connection ids.
func New(kind Kind, dest, src uint16) *FPDU {
	return &FPDU{Kind: kind, DestID: dest, SrcID: src}
}

// With appends a parameter and returns the FPDU for chaining.
func (f *FPDU) With(p Param) *FPDU {
	f.Params = append(f.Params, p)
	return f
}

// Param returns the first top-level parameter with the given id, or
// false when absent. Groups are not descended into.
func (f *FPDU) Param(id uint8) (Param, bool) {
	for _, p := range f.Params {
		if p.ID == id {
			return p, true
		}
	}
	return Param{}, false
}

// Group returns the first parameter group with the given id.
func (f *FPDU) Group(id uint8) (Param, bool) {
	p, ok := f.Param(id)
	if !ok || !p.IsGroup() {
		return Param{}, false
	}
	return p, true
}

func (f *FPDU) String() string {
	return fmt.Sprintf("%s dest=%d src=%d params=%d payload=%d",
		f.Kind, f.DestID, f.SrcID, len(f.Params), len(f.Payload))
}
