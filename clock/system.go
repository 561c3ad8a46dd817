// A thin wrapper over the system clock which can be replaced in tests.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	CurrentTimeMs() int64
	Now() time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeMs() int64 {
	return time.Now().UnixMilli()
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

// Manual is a clock that only moves when told to.
type Manual struct {
	lock sync.Mutex
	now  time.Time
}

func NewManualClock(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) CurrentTimeMs() int64 {
	return m.Now().UnixMilli()
}

func (m *Manual) Now() time.Time {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.now = m.now.Add(d)
}
