package workerpool

import "errors"

// ErrFull is returned by TrySubmit when the job channel has no free capacity.
var ErrFull = errors.New("workerpool: queue full")

// ErrNotStarted is returned when Submit/TrySubmit is called before Start.
var ErrNotStarted = errors.New("workerpool: pool not started")
