package domain

import "errors"

// Error kinds distinguished by the federation core. Handlers wrap these with
// fmt.Errorf("...: %w", Err...) and the HTTP boundary maps them to status
// codes; background workers log and reschedule instead of propagating.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrValidation    = errors.New("validation error")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrFetchFailed   = errors.New("fetch failed")
	ErrDeliverFailed = errors.New("delivery failed")
	ErrDatabase      = errors.New("database error")
)
