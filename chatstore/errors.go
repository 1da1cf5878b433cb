package chatstore

import "errors"

var (
	// ErrInvalidArgument reports a missing or malformed id, a self follow, or a bad message.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound reports an unknown user, conversation or message.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a duplicate conversation for a pair. Stores resolve it internally.
	ErrConflict = errors.New("conflict")
	// ErrPersistence reports a failed durable read or write.
	ErrPersistence = errors.New("persistence error")
	// ErrTransport reports a failed live push. It is logged and never returned to senders.
	ErrTransport = errors.New("transport error")
)
