package collab

import "errors"

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrSessionFull          = errors.New("session is full")
	ErrAnonymousNotAllowed  = errors.New("anonymous users are not allowed")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrConflictUnresolvable = errors.New("conflict requires manual resolution")
	ErrConflictNotFound     = errors.New("conflict not found")
	ErrIdentityInUse        = errors.New("user id is held by an authenticated connection")
)
