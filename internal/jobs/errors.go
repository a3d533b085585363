package jobs

import "errors"

var (
	ErrNotFound  = errors.New("job not found")
	ErrQueueFull = errors.New("job queue full")
	ErrStopped   = errors.New("job runner stopped")
)
