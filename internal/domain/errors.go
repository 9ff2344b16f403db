package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrStoreClosed    = errors.New("domain: store closed")
	ErrInvalidProject = errors.New("domain: invalid project id")
)
