package host

import "errors"

// Errors reported on commands and data phases. Completions wrap them with
// detail; test with errors.Is.
var (
	ErrNoMedium       = errors.New("no medium")
	ErrTimeout        = errors.New("timeout")
	ErrCRC            = errors.New("CRC mismatch")
	ErrIO             = errors.New("I/O error")
	ErrHardwareLocked = errors.New("hardware locked write")
)

// Errors returned to callers before a request is accepted.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrQueueFull      = errors.New("request queue is full")
	ErrStopped        = errors.New("controller is not running")
)
