// Package clock abstracts time so heartbeat and identity logic can be
// driven by a fake clock in tests.
package clock

import "time"

// Clock is the time source used by anything that schedules or expires.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real delegates to the standard library.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }
