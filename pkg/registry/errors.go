package registry

import "errors"

var (
	// ErrInvalidArgument reports a constructor or setter argument that is
	// empty, nil or out of range. Recorded where the bad call happens and
	// surfaced by Build.
	ErrInvalidArgument = errors.New("registry: invalid argument")

	// ErrInvalidState reports a setter call that is not valid in the
	// builder's construction mode, or a lifecycle call from the wrong
	// listener state.
	ErrInvalidState = errors.New("registry: invalid state")

	// ErrConnectTimeout reports that no session could be established
	// within the connect timeout. No registration entry was created.
	ErrConnectTimeout = errors.New("registry: connect timeout")

	// ErrRegistrationFailed reports that the store rejected the
	// registration entry, for example because another instance already
	// holds the key.
	ErrRegistrationFailed = errors.New("registry: registration failed")
)
