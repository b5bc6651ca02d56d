package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflicted    = errors.New("conflicted")
	ErrReadOnly      = errors.New("read only")
	ErrAlreadyExists = errors.New("already exists")
)
