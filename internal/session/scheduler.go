package session

import "time"

// Timer is a pending wake that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler arms one-shot wakes for document sessions.
type Scheduler interface {
	Now() time.Time
	ScheduleWake(at time.Time, wake func()) Timer
}

type systemScheduler struct{}

// NewSystemScheduler returns a Scheduler backed by runtime timers.
func NewSystemScheduler() Scheduler {
	return systemScheduler{}
}

func (systemScheduler) Now() time.Time {
	return time.Now()
}

func (systemScheduler) ScheduleWake(at time.Time, wake func()) Timer {
	return time.AfterFunc(time.Until(at), wake)
}
