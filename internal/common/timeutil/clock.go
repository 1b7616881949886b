// Package timeutil provides the nanosecond clocks used across the service.
package timeutil

import "time"

var monoBase = time.Now()

// NowNs returns the current Unix epoch time in nanoseconds.
func NowNs() uint64 {
	return uint64(time.Now().UnixNano())
}

// MonotonicNs returns a monotonic nanosecond reading suitable for measuring
// intervals. The zero point is process start; values from different processes
// are not comparable.
func MonotonicNs() uint64 {
	return uint64(time.Since(monoBase))
}
