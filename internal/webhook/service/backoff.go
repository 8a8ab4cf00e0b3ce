package service

import "time"

const defaultDelayBaseSeconds = 30

// NextDelay picks the wait before the next attempt once retryCount failures
// have happened. Past the end of the table the last entry is reused. A
// configuration's base delay scales the table relative to 30s.
func NextDelay(table []time.Duration, retryCount, baseSeconds int) time.Duration {
	if len(table) == 0 {
		return 0
	}
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(table) {
		idx = len(table) - 1
	}
	delay := table[idx]
	if baseSeconds > 0 && baseSeconds != defaultDelayBaseSeconds {
		delay = delay * time.Duration(baseSeconds) / defaultDelayBaseSeconds
	}
	return delay
}
