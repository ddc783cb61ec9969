package core

import (
	"errors"
	"fmt"
)

// ConfigError represents an operation attempted before its required setup,
// e.g. connecting to the gateway without a stored token. Fatal to the call,
// never retried.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// IsConfigError checks if an error is a ConfigError
func IsConfigError(err error) (*ConfigError, bool) {
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return cfgErr, true
	}
	return nil, false
}

// ProtocolError represents a malformed or undecodable gateway payload. Fatal to
// the current connection: the engine closes the socket and leaves reconnection
// to the caller.
type ProtocolError struct {
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError checks if an error is a ProtocolError
func IsProtocolError(err error) (*ProtocolError, bool) {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr, true
	}
	return nil, false
}

// SessionError represents a server-signaled invalid session. Handled like a
// protocol error: connection closed, reconnection left to the caller.
type SessionError struct {
	Message string
}

func (e *SessionError) Error() string {
	return e.Message
}

// TransportError represents a request rejected with a non-success status. It
// carries the original status and response body so callers can render a
// specific message. Never retried automatically.
type TransportError struct {
	Status int
	Body   []byte
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Status, string(e.Body))
}

// IsTransportError checks if an error is a TransportError
func IsTransportError(err error) (*TransportError, bool) {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr, true
	}
	return nil, false
}
