// Package dispatch routes inbound push frames to handlers by envelope type.
package dispatch

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Handler receives the raw frame of a matched envelope.
type Handler func(data []byte)

type entry struct {
	id int
	h  Handler
}

// Dispatcher keeps an ordered list of handlers per envelope type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	next     int
	logger   *zap.Logger
}

// New creates an empty dispatcher.
func New(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[string][]entry),
		logger:   logger,
	}
}

// On appends h to the handlers for typ. The returned function removes it and
// is safe to call more than once.
func (d *Dispatcher) On(typ string, h Handler) func() {
	d.mu.Lock()
	id := d.next
	d.next++
	d.handlers[typ] = append(d.handlers[typ], entry{id: id, h: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(typ, id) })
	}
}

// Off removes every handler registered for typ.
func (d *Dispatcher) Off(typ string) {
	d.mu.Lock()
	delete(d.handlers, typ)
	d.mu.Unlock()
}

// Handlers returns how many handlers are registered for typ.
func (d *Dispatcher) Handlers(typ string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[typ])
}

func (d *Dispatcher) remove(typ string, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.handlers[typ]
	for i, e := range list {
		if e.id == id {
			// Copy so a Dispatch iterating the old slice is unaffected.
			next := make([]entry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(d.handlers, typ)
			} else {
				d.handlers[typ] = next
			}
			return
		}
	}
}

// Dispatch parses the envelope type and calls the matching handlers in
// registration order. Malformed frames and unknown types are dropped.
// It reports whether any handler ran.
func (d *Dispatcher) Dispatch(data []byte) bool {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		d.logger.Debug("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		return false
	}

	d.mu.RLock()
	list := d.handlers[env.Type]
	d.mu.RUnlock()

	if len(list) == 0 {
		d.logger.Debug("dropping unhandled frame", zap.String("type", env.Type))
		return false
	}
	for _, e := range list {
		e.h(data)
	}
	return true
}
