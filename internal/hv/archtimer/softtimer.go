package archtimer

import (
	"time"

	"gvisor.dev/gvisor/pkg/sync"
)

// TimerHandle tracks a one-shot deadline callback.
//
// Stop must not return while the callback is running, and the callback must
// not start after Stop returns.
type TimerHandle interface {
	Stop()
}

// TimerFactory arms a one-shot callback d from now.
type TimerFactory func(d time.Duration, cb func()) TimerHandle

type gatedTimer struct {
	gate  sync.Gate
	timer *time.Timer
}

func (g *gatedTimer) fire(cb func()) {
	if !g.gate.Enter() {
		return
	}
	defer g.gate.Leave()
	cb()
}

// Stop implements [TimerHandle]. Closing the gate waits for a callback that
// already entered it.
func (g *gatedTimer) Stop() {
	g.timer.Stop()
	g.gate.Close()
}

func defaultTimerFactory(d time.Duration, cb func()) TimerHandle {
	g := &gatedTimer{}
	g.timer = time.AfterFunc(d, func() { g.fire(cb) })
	return g
}

var _ TimerHandle = &gatedTimer{}
