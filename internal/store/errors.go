package store

import "errors"

var (
	ErrNotFound     = errors.New("store: not found")
	ErrConflict     = errors.New("store: conflict")
	ErrInvalidInput = errors.New("store: invalid input")
)
