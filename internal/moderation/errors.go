package moderation

import "errors"

var (
	// ErrInsufficientPermission is returned when a non-admin invokes an
	// admin command. The attempt is still audit-logged as denied.
	ErrInsufficientPermission = errors.New("insufficient permission")

	// ErrInvalidArgument is returned for malformed command input before
	// any state is mutated.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrLogDegraded signals that the moderation action itself was applied
	// but the audit record could not be persisted.
	ErrLogDegraded = errors.New("audit log write degraded")
)
