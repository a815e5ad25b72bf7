package metrics

import (
	"context"
	"strconv"

	"github.com/blueberrycongee/morc/internal/events"
)

// Collector pumps bus events into the Prometheus counters. It is a plain
// subscriber; losing a coalesced event under extreme load skews a counter
// by one, which is acceptable for monitoring data.
type Collector struct {
	bus  *events.Bus
	stop func()
	done chan struct{}
}

// NewCollector subscribes to bus and starts the pump.
func NewCollector(bus *events.Bus) *Collector {
	ch, unsub := bus.Subscribe()
	c := &Collector{bus: bus, stop: unsub, done: make(chan struct{})}
	go c.pump(ch)
	return c
}

func (c *Collector) pump(ch <-chan events.Event) {
	defer close(c.done)
	for ev := range ch {
		c.record(ev)
	}
}

func (c *Collector) record(ev events.Event) {
	switch p := ev.Payload.(type) {
	case events.ModelAddedPayload:
		ModelsAdded.WithLabelValues(p.Format).Inc()
	case events.ModelRemovedPayload:
		ModelsRemoved.Inc()
	case events.ModelStatusChangedPayload:
		ModelStatusChanges.WithLabelValues(p.NewState).Inc()
	case events.RouteDecidedPayload:
		RoutesDecided.WithLabelValues(p.Strategy, strconv.FormatBool(p.CacheHit)).Inc()
	case events.InferenceStartedPayload:
		InferencesStarted.WithLabelValues(p.ModelID).Inc()
	case events.InferenceCompletedPayload:
		InferencesCompleted.WithLabelValues(p.ModelID).Inc()
		InferenceDuration.WithLabelValues(p.ModelID).Observe(p.Duration.Seconds())
	case events.InferenceFailedPayload:
		InferencesFailed.WithLabelValues(p.ModelID, p.Kind).Inc()
	case events.CircuitOpenedPayload:
		CircuitTransitions.WithLabelValues(p.ModelID, "open").Inc()
	case events.CircuitClosedPayload:
		CircuitTransitions.WithLabelValues(p.ModelID, "closed").Inc()
	case events.CacheHitPayload:
		CacheOps.WithLabelValues("hit", p.Tier).Inc()
	case events.CacheMissPayload:
		CacheOps.WithLabelValues("miss", "").Inc()
	case events.MemoryPressurePayload:
		MemoryPressureEvents.Inc()
	case events.HealingActionPayload:
		HealingActions.WithLabelValues(p.Action).Inc()
	}
}

// Close unsubscribes and waits for the pump to drain.
func (c *Collector) Close(ctx context.Context) error {
	c.stop()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
