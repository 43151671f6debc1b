package sdk

import "time"

// Span timing uses two clocks: wall time for absolute timestamps, and the
// monotonic clock for durations. The monotonic reading is expressed as
// nanoseconds since process start so it can be stored as a plain int64.
var processStart = time.Now()

// wallNow returns wall-clock nanoseconds since the Unix epoch.
func wallNow() int64 {
	return time.Now().UnixNano()
}

// monoNow returns monotonic nanoseconds since process start. time.Since
// reads the monotonic component of processStart, so the value is immune to
// wall-clock steps.
func monoNow() int64 {
	return int64(time.Since(processStart))
}

// durationMS computes a span duration in whole milliseconds from two
// monotonic readings. Never negative for well-ordered readings.
func durationMS(startMono, endMono int64) int64 {
	d := (endMono - startMono) / int64(time.Millisecond)
	if d < 0 {
		return 0
	}
	return d
}
