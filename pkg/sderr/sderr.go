// Package sderr defines the closed set of error kinds surfaced across the
// transport and protocol-engine packages. They are returned by value, never
// logged-and-discarded or panicked on — except where a condition is
// documented as a precondition violation (fatal).
package sderr

import "errors"

var (
	// ErrDefault is the sentinel documented as "never emitted on success
	// paths"; it exists only so CloseConnectionCause-style callers have a
	// zero value to compare against.
	ErrDefault = errors.New("ipcsd: default error (should never be returned)")

	// ErrDisconnected is returned when a connection was lost mid-operation.
	ErrDisconnected = errors.New("ipcsd: disconnected")

	// ErrSendBufferFull signals transport back-pressure: the message was not
	// sent.
	ErrSendBufferFull = errors.New("ipcsd: send buffer full")

	// ErrMessageSizeMaximum is returned when an outbound message exceeds the
	// transport's configured maximum size, without ever touching the wire.
	ErrMessageSizeMaximum = errors.New("ipcsd: message exceeds maximum size")

	// ErrNoSuchConnection is a server-side lookup miss on a ConnectionHandle.
	ErrNoSuchConnection = errors.New("ipcsd: no such connection")

	// ErrNoSuchEntry is an internal registry lookup miss; never surfaced to
	// users directly.
	ErrNoSuchEntry = errors.New("ipcsd: no such entry")

	// ErrClientNotRegistered / ErrClientAlreadyRegistered are protocol state
	// mismatches on the server's handshake.
	ErrClientNotRegistered     = errors.New("ipcsd: client not registered")
	ErrClientAlreadyRegistered = errors.New("ipcsd: client already registered")

	// ErrProtocolError is the catch-all for protocol violations not covered
	// by a more specific error.
	ErrProtocolError = errors.New("ipcsd: protocol error")

	// Participant-level errors (the "IpcServiceDiscovery" domain).
	ErrAlreadyProvided          = errors.New("ipcsd: already provided")
	ErrProvidedDifferentEndpoint = errors.New("ipcsd: provided at a different endpoint")
	ErrProvidedDifferentClient  = errors.New("ipcsd: provided by a different client")
	ErrNotProvided              = errors.New("ipcsd: not provided")
	ErrNeverProvided            = errors.New("ipcsd: never provided")
	ErrAlreadyRequired          = errors.New("ipcsd: already required")
	ErrNotRequired              = errors.New("ipcsd: not required")
	ErrNeverRequired            = errors.New("ipcsd: never required")
)
