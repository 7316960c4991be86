package domain

import "errors"

// Terminal errors for a board mutation. Callers match them with errors.Is.
var (
	// ErrNotFound means a referenced board, list or card is absent.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the authorization check denied the request.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidPosition means neighbor hints could not be resolved.
	ErrInvalidPosition = errors.New("invalid position")
	// ErrUnavailable means the store or another collaborator is down.
	ErrUnavailable = errors.New("unavailable")
	// ErrInvalid means the request itself is malformed.
	ErrInvalid = errors.New("invalid request")
)
