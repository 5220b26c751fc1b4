package chatsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler consumes a decoded envelope.
type Handler func(Envelope)

// Dispatcher fans decoded envelopes out to subscribers by envelope type.
// Delivery is synchronous and in receive order; a panicking handler is
// recovered and logged so one faulty consumer cannot block the others.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EnvelopeType][]Handler
	log      zerolog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[EnvelopeType][]Handler),
		log:      log,
	}
}

// Subscribe registers a handler for an envelope type. Multiple handlers per
// type are invoked in registration order.
func (d *Dispatcher) Subscribe(t EnvelopeType, h Handler) {
	d.mu.Lock()
	d.handlers[t] = append(d.handlers[t], h)
	d.mu.Unlock()
}

// Dispatch delivers the envelope to every handler registered for its type.
// Envelopes with no subscribers are logged at debug and dropped.
func (d *Dispatcher) Dispatch(env Envelope) {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[env.Type]...)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.log.Debug().Str("type", string(env.Type)).Msg("envelope with no subscribers dropped")
		return
	}
	for _, h := range handlers {
		d.invoke(h, env)
	}
}

func (d *Dispatcher) invoke(h Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("type", string(env.Type)).Any("panic", r).
				Msg("envelope handler panicked")
		}
	}()
	h(env)
}
