package wsframe

import "errors"

var (
	// ErrInvalidOpcode is returned when a header's opcode nibble is not
	// one of CONT/TEXT/BINARY/CLOSE/PING/PONG.
	ErrInvalidOpcode = errors.New("wsframe: invalid opcode")

	// ErrControlFrameTooLong is returned when a control opcode (CLOSE,
	// PING, PONG) is paired with a 126/127 extended-length encoding —
	// control frames must carry at most 125 bytes of payload and must
	// not fragment.
	ErrControlFrameTooLong = errors.New("wsframe: control frame payload too long")

	// ErrInvalidParam is returned for malformed CreateFrame arguments
	// (e.g. a negative payload length).
	ErrInvalidParam = errors.New("wsframe: invalid parameter")
)
