package sendtask

import "time"

// clock abstracts the timers the poll loop depends on so tests can drive the
// state machine without waiting out real intervals.
type clock interface {
	NewTicker(d time.Duration) ticker
	After(d time.Duration) <-chan time.Time
}

type ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) NewTicker(d time.Duration) ticker {
	return realTicker{time.NewTicker(d)}
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) Chan() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()                  { r.t.Stop() }
