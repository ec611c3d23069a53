package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and transport layers return
// these (optionally wrapped) so services can translate them into domain errors.
//
// - ErrNotFound: nothing persisted under the requested key(s)
// - ErrCorrupt: persisted bytes could not be decoded or opened
// - ErrUnavailable: backing service unreachable
// - ErrInvalidState: operation not valid for the current state
var (
	ErrNotFound     = errors.New("not found")
	ErrCorrupt      = errors.New("corrupt")
	ErrUnavailable  = errors.New("unavailable")
	ErrInvalidState = errors.New("invalid state")
)
