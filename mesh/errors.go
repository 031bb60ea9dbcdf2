package mesh

import "errors"

// errors.go provides all custom error types for the mesh package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// per-operation validation failures. the offending operation is
// dropped and counted, sync continues.
var (
	ErrSignatureMismatch  = errors.New("signature mismatch")
	ErrUnauthorizedDevice = errors.New("device not authorized")
	ErrMalformedAction    = errors.New("malformed action")
)

// caller misuse, surfaced immediately, no state change
var (
	ErrNotMasterKey = errors.New("master private key required")
)

// session failures. these end the affected sync session only.
var (
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrTransportClosed  = errors.New("transport closed")
)
