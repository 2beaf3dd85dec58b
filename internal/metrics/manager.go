package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sshharden/sshharden/internal/config"
	"github.com/sshharden/sshharden/internal/sshconfig"
)

// Run outcomes
const (
	OutcomeSuccess    = "success"
	OutcomeDryRun     = "dry_run"
	OutcomeAborted    = "aborted"
	OutcomeRolledBack = "rolled_back"
	OutcomeFatal      = "fatal"
)

// Manager records the outcome of a hardening run. sshharden is a one-shot
// process, so metrics describe the last run and are exported through the
// node_exporter textfile collector instead of an HTTP endpoint.
type Manager interface {
	RecordRun(command, outcome string, duration time.Duration)
	RecordChanges(changes []sshconfig.Change)
	RecordRollback()
	RecordRestart(success bool)
	UpdateBackups(count int)

	// Flush writes all metrics to the textfile
	Flush() error
}

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	textfile string
	registry *prometheus.Registry

	lastRunTimestamp *prometheus.GaugeVec
	lastRunDuration  *prometheus.GaugeVec
	lastRunOutcome   *prometheus.GaugeVec
	directiveChanges *prometheus.GaugeVec
	rollbacksTotal   prometheus.Counter
	restartsTotal    *prometheus.CounterVec
	backupsRetained  prometheus.Gauge

	now func() time.Time
	mu  sync.Mutex
}

const namespace = "sshharden"

var outcomes = []string{OutcomeSuccess, OutcomeDryRun, OutcomeAborted, OutcomeRolledBack, OutcomeFatal}

// NewManager creates a new metrics manager
func NewManager(cfg config.MetricsConfig) Manager {
	if !cfg.Enable || cfg.Textfile == "" {
		return &noopManager{}
	}

	m := &metricsManager{
		textfile: cfg.Textfile,
		registry: prometheus.NewRegistry(),
		now:      time.Now,
	}
	m.initializeMetrics()
	return m
}

// initializeMetrics sets up all Prometheus metrics
func (m *metricsManager) initializeMetrics() {
	m.lastRunTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "last_timestamp_seconds",
			Help:      "Unix time the last run finished",
		},
		[]string{"command"},
	)

	m.lastRunDuration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "last_duration_seconds",
			Help:      "Duration of the last run in seconds",
		},
		[]string{"command"},
	)

	m.lastRunOutcome = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "last_outcome",
			Help:      "1 for the outcome of the last run, 0 for every other outcome",
		},
		[]string{"command", "outcome"},
	)

	m.directiveChanges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "directive_changes",
			Help:      "Directives touched by the last run, by kind",
		},
		[]string{"kind"},
	)

	m.rollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "rollbacks_total",
			Help:      "Rollbacks to a backup performed by this run",
		},
	)

	m.restartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Service restarts attempted by this run",
		},
		[]string{"status"},
	)

	m.backupsRetained = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "retained",
			Help:      "Backups kept for the target configuration",
		},
	)

	m.registry.MustRegister(
		m.lastRunTimestamp,
		m.lastRunDuration,
		m.lastRunOutcome,
		m.directiveChanges,
		m.rollbacksTotal,
		m.restartsTotal,
		m.backupsRetained,
	)

	for _, kind := range []sshconfig.ChangeKind{sshconfig.ChangeInserted, sshconfig.ChangeReplaced, sshconfig.ChangeUnchanged} {
		m.directiveChanges.WithLabelValues(string(kind)).Set(0)
	}
}

func (m *metricsManager) RecordRun(command, outcome string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastRunTimestamp.WithLabelValues(command).Set(float64(m.now().Unix()))
	m.lastRunDuration.WithLabelValues(command).Set(duration.Seconds())
	for _, o := range outcomes {
		value := 0.0
		if o == outcome {
			value = 1
		}
		m.lastRunOutcome.WithLabelValues(command, o).Set(value)
	}
}

func (m *metricsManager) RecordChanges(changes []sshconfig.Change) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range changes {
		m.directiveChanges.WithLabelValues(string(c.Kind)).Inc()
	}
}

func (m *metricsManager) RecordRollback() {
	m.rollbacksTotal.Inc()
}

func (m *metricsManager) RecordRestart(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.restartsTotal.WithLabelValues(status).Inc()
}

func (m *metricsManager) UpdateBackups(count int) {
	m.backupsRetained.Set(float64(count))
}

// Flush writes the registry to the textfile. WriteToTextfile renames a
// temporary file into place, so node_exporter never reads a partial file.
func (m *metricsManager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.textfile), 0755); err != nil {
		return fmt.Errorf("failed to create textfile directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(m.textfile, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordRun(command, outcome string, duration time.Duration) {}
func (n *noopManager) RecordChanges(changes []sshconfig.Change)                  {}
func (n *noopManager) RecordRollback()                                           {}
func (n *noopManager) RecordRestart(success bool)                                {}
func (n *noopManager) UpdateBackups(count int)                                   {}
func (n *noopManager) Flush() error                                              { return nil }
