// Package compose runs the actual multi-video merge through an external
// ffmpeg binary. It reports progress and honors cancellation, but owns no
// task lifecycle decisions.
package compose

import "errors"

var (
	// ErrInputMissing means a source file does not exist or is unreadable.
	// The task layer maps it to a failed task, not an internal error.
	ErrInputMissing = errors.New("input file missing")

	// ErrInputTooLarge means a source file exceeds the configured size limit.
	ErrInputTooLarge = errors.New("input file exceeds size limit")
)
