package server

import "errors"

var (
	// ErrNameNotFound is returned by a NameResolver when the raw name does not map to an account.
	ErrNameNotFound = errors.New("account name not found")

	// ErrNotAMember is returned by a MembershipSource when the user is no longer in the guild.
	ErrNotAMember = errors.New("not a guild member")

	ErrPersistence      = errors.New("link registry persistence failed")
	ErrRemoteControl    = errors.New("remote whitelist control failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidRecord    = errors.New("invalid link record")
	ErrDispatcherClosed = errors.New("dispatcher is stopped")
	ErrUnknownEvent     = errors.New("unknown event")
)
