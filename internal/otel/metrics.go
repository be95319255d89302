package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all RelayQ metrics instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	TaskDuration      metric.Float64Histogram
	TasksClaimed      metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	TasksDead         metric.Int64Counter
	TasksRequeued     metric.Int64Counter
	EventsAppended    metric.Int64Counter
	StreamSubscribers metric.Int64UpDownCounter
	QueueRejects      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("relayq.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("relayq.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksClaimed, err = meter.Int64Counter("relayq.tasks.claimed",
		metric.WithDescription("Tasks claimed by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("relayq.tasks.completed",
		metric.WithDescription("Tasks finished successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("relayq.tasks.failed",
		metric.WithDescription("Task attempts that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDead, err = meter.Int64Counter("relayq.tasks.dead",
		metric.WithDescription("Tasks that exhausted their attempt budget"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRequeued, err = meter.Int64Counter("relayq.tasks.requeued",
		metric.WithDescription("Tasks requeued by the stale sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsAppended, err = meter.Int64Counter("relayq.events.appended",
		metric.WithDescription("Task events appended to the log"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamSubscribers, err = meter.Int64UpDownCounter("relayq.stream.subscribers",
		metric.WithDescription("Currently connected event stream subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRejects, err = meter.Int64Counter("relayq.queue.rejects",
		metric.WithDescription("Enqueue requests rejected by queue depth backpressure"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
