package dragonpos

import "github.com/ZanzyTHEbar/dragonscale-pos/internal/eventbus"

// WithEventBus sets the bus that receives pipeline events. A nil bus disables publishing.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(l *InferenceLoop) {
		l.eventBus = bus
	}
}
