// Package typing turns text input changes into typing signals.
package typing

import (
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/dispatch"
	"go.uber.org/zap"
)

// Sender transmits an outbound envelope, best effort.
type Sender interface {
	Send(v any) bool
}

// Display shows or hides the local typing indicator.
type Display interface {
	SetComposing(on bool)
}

// Timing holds the debouncer's durations.
type Timing struct {
	Idle       time.Duration // input pause before typing=false
	Grace      time.Duration // display kept after typing=false
	EmptyClear time.Duration // display kept after the input is emptied
}

// DefaultTiming is 1s idle, 3s grace and 500ms empty clear.
var DefaultTiming = Timing{
	Idle:       time.Second,
	Grace:      3 * time.Second,
	EmptyClear: 500 * time.Millisecond,
}

// Debouncer converts input changes into typing=true/false envelopes.
type Debouncer struct {
	sender  Sender
	display Display
	timing  Timing
	logger  *zap.Logger

	mu         sync.Mutex
	signaled   bool
	seq        uint64
	idleTimer  *time.Timer
	clearTimer *time.Timer
}

// New creates a debouncer.
func New(sender Sender, display Display, timing Timing, logger *zap.Logger) *Debouncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Debouncer{
		sender:  sender,
		display: display,
		timing:  timing,
		logger:  logger,
	}
}

// InputChanged reacts to the current content of the input box.
func (d *Debouncer) InputChanged(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	seq := d.seq
	d.stopTimersLocked()

	if text == "" {
		d.sender.Send(dispatch.Typing(false))
		d.signaled = false
		d.clearTimer = time.AfterFunc(d.timing.EmptyClear, func() { d.clear(seq) })
		return
	}

	if !d.signaled {
		if d.sender.Send(dispatch.Typing(true)) {
			d.logger.Debug("typing started")
			d.signaled = true
		}
	}
	d.display.SetComposing(true)
	d.idleTimer = time.AfterFunc(d.timing.Idle, func() { d.idle(seq) })
}

// Signaled reports whether typing=true is outstanding.
func (d *Debouncer) Signaled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signaled
}

// Reset cancels every pending timer and forgets the signaled state.
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.stopTimersLocked()
	d.signaled = false
	d.display.SetComposing(false)
}

func (d *Debouncer) idle(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq != d.seq {
		return
	}
	d.sender.Send(dispatch.Typing(false))
	d.signaled = false
	d.clearTimer = time.AfterFunc(d.timing.Grace, func() { d.clear(seq) })
}

func (d *Debouncer) clear(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq != d.seq {
		return
	}
	d.display.SetComposing(false)
}

func (d *Debouncer) stopTimersLocked() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
	if d.clearTimer != nil {
		d.clearTimer.Stop()
		d.clearTimer = nil
	}
}
