package engine

import "github.com/juju/errors"

// Sentinel error kinds every driver reports through (spec.md §7). Callers
// use errors.Cause to recover the kind regardless of how deep the Annotatef
// chain got.
var (
	ErrTransportOpen        = errors.New("engine: could not open transport")
	ErrTransportWrite       = errors.New("engine: transport write failed")
	ErrSyncFailed           = errors.New("engine: failed to sync with bootloader")
	ErrProtocolFraming      = errors.New("engine: malformed protocol frame")
	ErrProtocolStatus       = errors.New("engine: device reported a protocol-level failure status")
	ErrVerificationMismatch = errors.New("engine: post-write verification mismatch")
	ErrUnknownFlash         = errors.New("engine: unrecognised flash chip")
	ErrProtectedRegion      = errors.New("engine: operation touches a protected region")
	ErrCancelled            = errors.New("engine: operation cancelled")
)
