package coord

import "errors"

var (
	// ErrNotConnected is returned by session-scoped operations before
	// Connect succeeds or after the session ends.
	ErrNotConnected = errors.New("coord: not connected")

	// ErrNodeExists is returned by PutEphemeral when the key is already
	// present, typically left by another live instance.
	ErrNodeExists = errors.New("coord: node already exists")

	// ErrKeyNotFound is returned by Get for a missing key.
	ErrKeyNotFound = errors.New("coord: key not found")

	// ErrSessionExpired reports that the store ended the session, usually
	// after missed keepalives.
	ErrSessionExpired = errors.New("coord: session expired")

	// ErrClientClosed is returned by any operation after Close.
	ErrClientClosed = errors.New("coord: client closed")
)
