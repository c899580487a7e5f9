package store

import "errors"

// ErrNotFound indicates a missing record.
var ErrNotFound = errors.New("record not found")

// ErrStaleVersion is returned by an activity update when the stored version
// is already at or beyond the incoming one.
var ErrStaleVersion = errors.New("stale activity version")

// ErrOverlap is returned by an activity write that would strictly overlap
// another activity of the same schedule.
var ErrOverlap = errors.New("activity overlaps another activity")
