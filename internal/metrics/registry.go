package metrics

import (
	"bytes"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Registry wires the controller's gauges, counters, and histogram into a
// Prometheus registry so they can be exported both as Prometheus text and as
// a JSON snapshot, under a configurable metric name prefix.
type Registry struct {
	prefix   string
	registry *prometheus.Registry

	workersTotal  prometheus.Gauge
	workersActive prometheus.Gauge
	workersIdle   prometheus.Gauge
	workersError  prometheus.Gauge

	queueDepth       prometheus.Gauge
	queueMaxCapacity prometheus.Gauge
	deadLetterSize   prometheus.Gauge

	backpressureActive prometheus.Gauge
	utilizationRatio   prometheus.Gauge
	taskSuccessRate    prometheus.Gauge

	tasksStarted   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec

	nowFn func() int64
}

// NewRegistry constructs a Registry whose metric names all carry prefix,
// e.g. prefix "controller" yields "controller_workers_total".
func NewRegistry(prefix string) *Registry {
	name := func(suffix string) string { return fmt.Sprintf("%s_%s", prefix, suffix) }

	r := &Registry{
		prefix:   prefix,
		registry: prometheus.NewRegistry(),
		nowFn:    func() int64 { return time.Now().UnixMilli() },

		workersTotal:  prometheus.NewGauge(prometheus.GaugeOpts{Name: name("workers_total"), Help: "Total configured worker slots."}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{Name: name("workers_active"), Help: "Worker slots currently working."}),
		workersIdle:   prometheus.NewGauge(prometheus.GaugeOpts{Name: name("workers_idle"), Help: "Worker slots currently idle."}),
		workersError:  prometheus.NewGauge(prometheus.GaugeOpts{Name: name("workers_error"), Help: "Worker slots in an error state."}),

		queueDepth:       prometheus.NewGauge(prometheus.GaugeOpts{Name: name("queue_depth"), Help: "Current bounded work queue size."}),
		queueMaxCapacity: prometheus.NewGauge(prometheus.GaugeOpts{Name: name("queue_max_capacity"), Help: "Configured bounded work queue capacity."}),
		deadLetterSize:   prometheus.NewGauge(prometheus.GaugeOpts{Name: name("dead_letter_queue_size"), Help: "Current dead-letter queue size."}),

		backpressureActive: prometheus.NewGauge(prometheus.GaugeOpts{Name: name("backpressure_active"), Help: "1 if the queue is under backpressure, else 0."}),
		utilizationRatio:   prometheus.NewGauge(prometheus.GaugeOpts{Name: name("utilization_ratio"), Help: "Queue size divided by max capacity."}),
		taskSuccessRate:    prometheus.NewGauge(prometheus.GaugeOpts{Name: name("task_success_rate"), Help: "Completed tasks divided by completed+failed tasks."}),

		tasksStarted:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: name("tasks_started_total"), Help: "Tasks started, per worker."}, []string{"worker_id"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{Name: name("tasks_completed_total"), Help: "Tasks completed successfully, per worker."}, []string{"worker_id"}),
		tasksFailed:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: name("tasks_failed_total"), Help: "Tasks that failed permanently, per worker."}, []string{"worker_id"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name("task_duration_ms"),
			Help:    "Task execution duration in milliseconds.",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"worker_id"}),
	}

	r.registry.MustRegister(
		r.workersTotal, r.workersActive, r.workersIdle, r.workersError,
		r.queueDepth, r.queueMaxCapacity, r.deadLetterSize,
		r.backpressureActive, r.utilizationRatio, r.taskSuccessRate,
		r.tasksStarted, r.tasksCompleted, r.tasksFailed, r.taskDuration,
	)
	return r
}

// SetWorkers updates the pool-wide slot gauges.
func (r *Registry) SetWorkers(total, active, idle, errCount int) {
	r.workersTotal.Set(float64(total))
	r.workersActive.Set(float64(active))
	r.workersIdle.Set(float64(idle))
	r.workersError.Set(float64(errCount))
}

// SetQueue updates the BWQ gauges.
func (r *Registry) SetQueue(depth, maxCapacity, deadLetterSize int) {
	r.queueDepth.Set(float64(depth))
	r.queueMaxCapacity.Set(float64(maxCapacity))
	r.deadLetterSize.Set(float64(deadLetterSize))
}

// SetBackpressureActive updates the backpressure flag gauge.
func (r *Registry) SetBackpressureActive(active bool) {
	if active {
		r.backpressureActive.Set(1)
	} else {
		r.backpressureActive.Set(0)
	}
}

// SetUtilization updates the utilization-ratio gauge.
func (r *Registry) SetUtilization(ratio float64) { r.utilizationRatio.Set(ratio) }

// SetTaskSuccessRate updates the derived success-rate gauge.
func (r *Registry) SetTaskSuccessRate(rate float64) { r.taskSuccessRate.Set(rate) }

// IncTaskStarted increments the per-worker started counter.
func (r *Registry) IncTaskStarted(workerID string) { r.tasksStarted.WithLabelValues(workerID).Inc() }

// IncTaskCompleted increments the per-worker completed counter.
func (r *Registry) IncTaskCompleted(workerID string) {
	r.tasksCompleted.WithLabelValues(workerID).Inc()
}

// IncTaskFailed increments the per-worker failed counter.
func (r *Registry) IncTaskFailed(workerID string) { r.tasksFailed.WithLabelValues(workerID).Inc() }

// ObserveTaskDuration records one task's duration in milliseconds.
func (r *Registry) ObserveTaskDuration(workerID string, ms float64) {
	r.taskDuration.WithLabelValues(workerID).Observe(ms)
}

// Prometheus exposes the underlying registry, e.g. for promhttp.HandlerFor.
func (r *Registry) Prometheus() *prometheus.Registry { return r.registry }

// TextExport renders every metric in Prometheus text exposition format,
// including # HELP/# TYPE directives and histogram _bucket/_sum/_count rows.
func (r *Registry) TextExport() (string, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("metrics: gather: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", fmt.Errorf("metrics: encode: %w", err)
		}
	}
	return buf.String(), nil
}

// JSONSnapshot returns a structured point-in-time view of every metric.
func (r *Registry) JSONSnapshot() (Snapshot, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return Snapshot{}, fmt.Errorf("metrics: gather: %w", err)
	}

	snap := Snapshot{
		Prefix:         r.prefix,
		TasksStarted:   map[string]float64{},
		TasksCompleted: map[string]float64{},
		TasksFailed:    map[string]float64{},
		TakenAtEpoch:   r.nowFn(),
	}

	byName := map[string]*dto.MetricFamily{}
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}
	gaugeVal := func(suffix string) float64 {
		mf := byName[fmt.Sprintf("%s_%s", r.prefix, suffix)]
		if mf == nil || len(mf.Metric) == 0 {
			return 0
		}
		return mf.Metric[0].GetGauge().GetValue()
	}
	counterByLabel := func(suffix string, dst map[string]float64) {
		mf := byName[fmt.Sprintf("%s_%s", r.prefix, suffix)]
		if mf == nil {
			return
		}
		for _, m := range mf.Metric {
			workerID := ""
			for _, lp := range m.Label {
				if lp.GetName() == "worker_id" {
					workerID = lp.GetValue()
				}
			}
			dst[workerID] = m.GetCounter().GetValue()
		}
	}

	snap.WorkersTotal = int(gaugeVal("workers_total"))
	snap.WorkersActive = int(gaugeVal("workers_active"))
	snap.WorkersIdle = int(gaugeVal("workers_idle"))
	snap.WorkersError = int(gaugeVal("workers_error"))
	snap.QueueDepth = int(gaugeVal("queue_depth"))
	snap.QueueMaxCapacity = int(gaugeVal("queue_max_capacity"))
	snap.DeadLetterSize = int(gaugeVal("dead_letter_queue_size"))
	snap.BackpressureActive = gaugeVal("backpressure_active") != 0
	snap.UtilizationRatio = gaugeVal("utilization_ratio")
	snap.TaskSuccessRate = gaugeVal("task_success_rate")
	counterByLabel("tasks_started_total", snap.TasksStarted)
	counterByLabel("tasks_completed_total", snap.TasksCompleted)
	counterByLabel("tasks_failed_total", snap.TasksFailed)

	return snap, nil
}
