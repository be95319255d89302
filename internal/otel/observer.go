package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/mothlane/relayq/internal/bus"
)

// Observer drives the queue counters and the task duration histogram from
// bus traffic, keeping instrument plumbing out of the store and worker paths.
type Observer struct {
	metrics *Metrics
	bus     *bus.Bus

	mu        sync.Mutex
	claimedAt map[string]time.Time
}

func NewObserver(metrics *Metrics, eventBus *bus.Bus) *Observer {
	return &Observer{
		metrics:   metrics,
		bus:       eventBus,
		claimedAt: make(map[string]time.Time),
	}
}

// Run consumes bus events until ctx is cancelled. Missed events under load
// skew counters slightly; the bus drops rather than blocks publishers.
func (o *Observer) Run(ctx context.Context) {
	sub := o.bus.SubscribeBuffered("", 512)
	defer o.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			o.observe(ctx, ev)
		}
	}
}

func (o *Observer) observe(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicTaskStateChanged:
		change, ok := ev.Payload.(bus.TaskStateChangedEvent)
		if !ok || change.NewStatus != "claimed" {
			return
		}
		o.metrics.TasksClaimed.Add(ctx, 1)
		o.mu.Lock()
		o.claimedAt[change.TaskID] = time.Now()
		o.mu.Unlock()
	case bus.TopicTaskCompleted:
		o.metrics.TasksCompleted.Add(ctx, 1)
		o.recordDuration(ctx, ev)
	case bus.TopicTaskFailed:
		o.metrics.TasksFailed.Add(ctx, 1)
	case bus.TopicTaskDead:
		o.metrics.TasksDead.Add(ctx, 1)
		o.recordDuration(ctx, ev)
	case bus.TopicTaskRetrying:
		o.metrics.TasksRequeued.Add(ctx, 1)
		o.dropClaim(ev)
	case bus.TopicEventAppended:
		appended, ok := ev.Payload.(bus.EventAppendedEvent)
		if !ok {
			return
		}
		o.metrics.EventsAppended.Add(ctx, 1,
			metric.WithAttributes(AttrEventKind.String(appended.Kind)))
	}
}

func (o *Observer) recordDuration(ctx context.Context, ev bus.Event) {
	change, ok := ev.Payload.(bus.TaskStateChangedEvent)
	if !ok {
		return
	}
	o.mu.Lock()
	start, tracked := o.claimedAt[change.TaskID]
	delete(o.claimedAt, change.TaskID)
	o.mu.Unlock()
	if !tracked {
		// Claimed before this process started; no duration to report.
		return
	}
	o.metrics.TaskDuration.Record(ctx, time.Since(start).Seconds())
}

func (o *Observer) dropClaim(ev bus.Event) {
	change, ok := ev.Payload.(bus.TaskStateChangedEvent)
	if !ok {
		return
	}
	o.mu.Lock()
	delete(o.claimedAt, change.TaskID)
	o.mu.Unlock()
}
