package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the daemon's metric instruments.
type Metrics struct {
	TaskDuration  metric.Float64Histogram
	TickDuration  metric.Float64Histogram
	TasksStarted  metric.Int64Counter
	TasksFinished metric.Int64Counter
	WorkerSignals metric.Int64Counter
	ActiveTasks   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("taskforge.task.duration",
		metric.WithDescription("Task wall-clock duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TickDuration, err = meter.Float64Histogram("taskforge.daemon.tick.duration",
		metric.WithDescription("Daemon scheduling tick duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksStarted, err = meter.Int64Counter("taskforge.task.started",
		metric.WithDescription("Tasks moved into running"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("taskforge.task.finished",
		metric.WithDescription("Tasks reaching a terminal status, labeled by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerSignals, err = meter.Int64Counter("taskforge.worker.signals",
		metric.WithDescription("Signals delivered to worker processes"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("taskforge.task.active",
		metric.WithDescription("Tasks currently counted as active"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
