// Package services defines the business logic for the voice-channel creation
// queue. This file centralizes common service-level error values so that they
// can be consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

// Queue-related errors.
var (
	// ErrRequestNotFound indicates that the requested creation request does
	// not exist, or that a user has no active request to cancel.
	ErrRequestNotFound = errors.New("request not found")

	// ErrRequestNotActive is returned when an operation needs a non-terminal
	// request (e.g. queue position) but the request already finished.
	ErrRequestNotActive = errors.New("request is no longer active")

	// ErrInvalidRequest is returned when enqueue input is missing a user,
	// guild, channel name, or uses an unknown request type.
	ErrInvalidRequest = errors.New("invalid creation request")

	// ErrInvalidPayload is returned when the permission payload fails schema
	// validation at enqueue time.
	ErrInvalidPayload = errors.New("invalid permission payload")

	// ErrStateConflict is returned when a transition raced with another
	// writer and the request is no longer in the expected state.
	ErrStateConflict = errors.New("request state conflict")
)

// Settings-related errors.
var (
	// ErrGuildNotConfigured indicates that a guild has no settings row.
	ErrGuildNotConfigured = errors.New("guild is not configured")

	// ErrInterfaceNotConfigured indicates that a guild has no interface
	// channel for the requested type.
	ErrInterfaceNotConfigured = errors.New("interface channel is not configured")

	// ErrInvalidSettings is returned when a settings row has no guild id.
	ErrInvalidSettings = errors.New("invalid guild settings")
)

// Access-related errors.
var (
	// ErrInvalidGrant is returned for grants missing ids or with an unknown
	// target type.
	ErrInvalidGrant = errors.New("invalid access grant")

	// ErrGrantExists indicates the owner already grants the target.
	ErrGrantExists = errors.New("access grant already exists")

	// ErrGrantNotFound indicates there is no such grant to revoke.
	ErrGrantNotFound = errors.New("access grant not found")
)
