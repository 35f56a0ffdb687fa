// Package clock estimates a node's offset from the hub reference clock.
//
// Both sides read Monotonic, a process-local monotonic nanosecond counter.
// A node adds its estimated offset to map local readings onto the hub's
// timeline, which is the only timeline on which node timestamps compare.
package clock

import "time"

var epoch = time.Now()

// Monotonic returns nanoseconds elapsed on this process's monotonic clock.
func Monotonic() int64 {
	return int64(time.Since(epoch))
}

// Sample is one probe round trip: local send T1, remote reading Remote,
// local receive T2.
type Sample struct {
	T1     int64
	Remote int64
	T2     int64
}

// Offset assumes symmetric path delay.
func (s Sample) Offset() int64 {
	return s.Remote - (s.T1+s.T2)/2
}

func (s Sample) RTT() int64 {
	return s.T2 - s.T1
}
