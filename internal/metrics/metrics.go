package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task lifecycle metrics
	TasksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldnote_tasks_created_total",
			Help: "Total number of tasks created",
		},
	)

	TasksFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldnote_tasks_finalized_total",
			Help: "Total number of tasks reaching a terminal state",
		},
		[]string{"status"},
	)

	TasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldnote_tasks_running",
			Help: "Number of currently running tasks",
		},
	)

	TasksPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldnote_tasks_pending",
			Help: "Number of tasks queued for an admission slot",
		},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldnote_task_duration_seconds",
			Help:    "Wall time from task start to terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Event log metrics
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldnote_events_appended_total",
			Help: "Total number of events appended to task streams",
		},
		[]string{"kind"},
	)

	LogFallbackActivations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldnote_eventlog_fallback_activations_total",
			Help: "Times the event log tripped to the in-memory fallback",
		},
	)

	LogFallbackActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldnote_eventlog_fallback_active",
			Help: "1 while the in-memory fallback is serving, 0 otherwise",
		},
	)

	// Replay metrics
	ReplaysActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldnote_replays_active",
			Help: "Number of replay streams currently attached",
		},
	)

	ReplayEventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldnote_replay_events_sent_total",
			Help: "Events delivered to replay clients",
		},
		[]string{"phase"}, // historical or live
	)

	// Interrupt metrics
	InterruptsRaised = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldnote_interrupts_raised_total",
			Help: "Interrupt events raised by running workflows",
		},
	)

	InterruptFeedback = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldnote_interrupt_feedback_total",
			Help: "Interrupt feedback submissions by outcome",
		},
		[]string{"outcome"}, // delivered or conflict
	)
)
