// Package watchdog implements the single-shot silence timer used to decide
// that a speaker has finished their turn.
package watchdog

import (
	"time"

	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/eventloop"
)

// DefaultTimeout is the quiet period after which a listening turn ends.
const DefaultTimeout = 15 * time.Second

// Watchdog fires its callback once when it has not been re-armed for the
// armed duration. All methods must be called from the executor goroutine;
// the callback runs there too.
type Watchdog struct {
	clock      clock.Clock
	exec       eventloop.Executor
	onFire     func()
	timer      clock.Timer
	generation uint64
	armed      bool
}

func New(clk clock.Clock, exec eventloop.Executor, onFire func()) *Watchdog {
	return &Watchdog{clock: clk, exec: exec, onFire: onFire}
}

// Arm (re)starts the timer. Any previously armed timer is cancelled; if it
// already fired and its callback is still queued, that callback is ignored.
func (w *Watchdog) Arm(timeout time.Duration) {
	w.stopTimer()
	w.generation++
	w.armed = true
	gen := w.generation
	w.timer = w.clock.AfterFunc(timeout, func() {
		w.exec.Post(func() { w.fire(gen) })
	})
}

// Disarm cancels the pending timer, if any.
func (w *Watchdog) Disarm() {
	w.stopTimer()
	w.generation++
	w.armed = false
}

func (w *Watchdog) Armed() bool { return w.armed }

func (w *Watchdog) fire(gen uint64) {
	if !w.armed || gen != w.generation {
		return
	}
	w.armed = false
	w.timer = nil
	if w.onFire != nil {
		w.onFire()
	}
}

func (w *Watchdog) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
