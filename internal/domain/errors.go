package domain

import "errors"

var (
	ErrPoolNotFound    = errors.New("license pool not found")
	ErrNotFound        = errors.New("loan or hold not found")
	ErrNotReady        = errors.New("hold not ready for checkout")
	ErrInvalidID       = errors.New("invalid id")
	ErrPatronRequired  = errors.New("patron id required")
	ErrTitleRequired   = errors.New("title required")
	ErrInvalidCapacity = errors.New("invalid license count")
	ErrInvalidPeriod   = errors.New("invalid loan period or claim window")
)
