package digest

import "time"

// Clock supplies the time used for bucketing and period rollover.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}
