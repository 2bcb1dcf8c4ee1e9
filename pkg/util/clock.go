package util

import "time"

// NowMillis returns the current wall-clock time as Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
