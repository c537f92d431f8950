package engine

import "errors"

var (
	ErrDisabled = errors.New("worker pool disabled")
	ErrStopped  = errors.New("worker pool stopped")
	ErrStopping = errors.New("worker pool stopping")
	// ErrBusy is returned when the submission queue is full. Callers may retry.
	ErrBusy = errors.New("worker pool busy: submission queue full")
)
