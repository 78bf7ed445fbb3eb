package fpdu

import "fmt"

// Diag is a PeSIT diagnostic code: a fixed 3-byte value whose first
// byte is a class and whose remaining two bytes encode a reason.
// Carried in PI_02. D0_000 denotes success.
type Diag [3]byte

// diag builds a Diag from a class and a 3-digit decimal reason.
func diag(class uint8, reason uint16) Diag {
	return Diag{class, byte(reason >> 8), byte(reason)}
}

// Diagnostic codes used by this implementation.
var (
	// Class 0: success.
	DiagOK = diag(0, 0) // D0_000

	// Class 1: protocol errors.
	DiagMalformed         = diag(1, 100) // D1_100 malformed FPDU
	DiagUnknownFPDU       = diag(1, 101) // D1_101 unknown FPDU kind
	DiagInvalidTransition = diag(1, 102) // D1_102 invalid state transition
	DiagMissingParam      = diag(1, 103) // D1_103 missing mandatory parameter
	DiagOutOfRange        = diag(1, 104) // D1_104 parameter value out of range

	// Class 2: file errors.
	DiagFileNotFound = diag(2, 201) // D2_201 file not found
	DiagFileExists   = diag(2, 202) // D2_202 file already exists
	DiagFileAccess   = diag(2, 203) // D2_203 file access error
	DiagDiskFull     = diag(2, 204) // D2_204 no space on receive directory

	// Class 3: partner / authentication errors.
	DiagUnknownPartner = diag(3, 301) // D3_301 unknown partner or server
	DiagAuthFailed     = diag(3, 304) // D3_304 authentication or access refused
	DiagBadVersion     = diag(3, 308) // D3_308 protocol version not supported

	// Class 4: transfer errors.
	DiagInterrupted = diag(4, 401) // D4_401 transfer interrupted
	DiagSyncTimeout = diag(4, 402) // D4_402 sync acknowledgement timeout
)

// Class returns the diagnostic class byte.
func (d Diag) Class() uint8 { return d[0] }

// Reason returns the two-byte reason code.
func (d Diag) Reason() uint16 { return uint16(d[1])<<8 | uint16(d[2]) }

// OK reports whether the diagnostic denotes success.
func (d Diag) OK() bool { return d == DiagOK }

// Bytes returns the 3-byte wire form.
func (d Diag) Bytes() []byte { return []byte{d[0], d[1], d[2]} }

// String renders the code in the conventional Dc_rrr form.
func (d Diag) String() string {
	return fmt.Sprintf("D%d_%03d", d.Class(), d.Reason())
}

// DiagParam builds the PI_02 parameter for the diagnostic.
func DiagParam(d Diag) Param {
	return Bytes(PIDiag, d.Bytes())
}

// DiagFrom parses a PI_02 value. Anything that is not exactly 3 bytes
// is reported as out of range.
func DiagFrom(p Param) (Diag, error) {
	if len(p.Value) != 3 {
		return Diag{}, fmt.Errorf("diagnostic: expected 3 bytes, got %d", len(p.Value))
	}
	return Diag{p.Value[0], p.Value[1], p.Value[2]}, nil
}
