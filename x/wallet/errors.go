package wallet

import (
	"github.com/iov-one/weave/errors"
)

var (
	// ErrInvalidPayload is returned when a proposal payload cannot be
	// deserialized into an executable message.
	ErrInvalidPayload = errors.Register(1500, "invalid payload")

	// ErrExecutionFailed is returned when dispatching an approved
	// proposal payload did not succeed. The whole execution transition
	// is aborted in that case.
	ErrExecutionFailed = errors.Register(1501, "execution failed")
)
