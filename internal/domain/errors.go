package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidJob        = errors.New("invalid job")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoJobAvailable    = errors.New("no job available")
)
