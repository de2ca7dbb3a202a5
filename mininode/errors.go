package mininode

import (
	"errors"
)

// Failure causes. A HandshakeError matches exactly one of them.
var (
	ErrIncompatibleVersion = errors.New("incompatible version")
	ErrGenesisMismatch     = errors.New("genesis mismatch")
	ErrNetworkIDMismatch   = errors.New("network id mismatch")
	ErrStatusBeforeHello   = errors.New("status before hello")
	ErrDisconnected        = errors.New("disconnected")
	ErrMalformed           = errors.New("malformed message")
	ErrConnectionClosed    = errors.New("connection closed")

	errPeerClosed       = errors.New("peer closed")
	errAlreadyConnected = errors.New("already connected")
	errHandshakeUsed    = errors.New("handshake already attempted")
)

// HandshakeError is the reason a handshake reached StateFailed.
type HandshakeError struct {
	// Reason is the human readable failure, e.g. "genesis mismatch" or
	// "disconnected: too many peers".
	Reason string
	// Kind is one of the Err* sentinels.
	Kind error
	// Cause is the underlying error, if any.
	Cause error
}

func (e *HandshakeError) Error() string {
	if e.Cause != nil && e.Kind != ErrDisconnected {
		return e.Reason + ": " + e.Cause.Error()
	}
	return e.Reason
}

func (e *HandshakeError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func newHandshakeError(kind error, cause error) *HandshakeError {
	return &HandshakeError{Reason: kind.Error(), Kind: kind, Cause: cause}
}
