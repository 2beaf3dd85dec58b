package logging

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sshharden/sshharden/internal/config"
)

// Manager owns the logger and the outputs its DispatchHook writes to
type Manager struct {
	outputs      map[string]route // by output name
	dispatchHook *DispatchHook
	mu           sync.RWMutex
	logger       *logrus.Logger
}

// NewManager creates a new logging manager
func NewManager(logger *logrus.Logger) *Manager {
	m := &Manager{
		outputs: make(map[string]route),
		logger:  logger,
	}

	m.dispatchHook = NewDispatchHook()
	logger.AddHook(m.dispatchHook)

	return m
}

// Setup builds the process logger from configuration: console output in the
// configured format and level, the append-only log file and, when enabled, a
// remote syslog target. An unavailable log file or syslog server is reported
// on the console and does not stop the run.
func Setup(cfg *config.Config, console io.Writer) (*Manager, error) {
	logger := logrus.New()
	logger.SetOutput(console)

	if err := SetFormat(logger, cfg.LogFormat); err != nil {
		return nil, err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	m := NewManager(logger)

	if cfg.LogFile != "" {
		output, err := NewFileOutput(cfg.LogFile)
		if err != nil {
			logger.WithError(err).WithField("log_file", cfg.LogFile).Warn("Log file unavailable, logging to console only")
		} else {
			m.AddOutput("file", output, "debug")
		}
	}

	if cfg.Syslog.Enable {
		output, err := NewSyslogOutput(cfg.Syslog.Protocol, cfg.Syslog.Host, cfg.Syslog.Port, cfg.Syslog.Tag)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"host": cfg.Syslog.Host,
				"port": cfg.Syslog.Port,
			}).Warn("Syslog target unavailable")
		} else {
			m.AddOutput("syslog", output, cfg.Syslog.Level)
		}
	}

	return m, nil
}

// SetFormat applies the console formatter: json, text or line
func SetFormat(logger *logrus.Logger, format string) error {
	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	case "line":
		logger.SetFormatter(LineFormatter{})
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}
	return nil
}

// Logger returns the managed logger
func (m *Manager) Logger() *logrus.Logger {
	return m.logger
}

// AddOutput registers an output under name, replacing and closing any
// previous output with the same name. Entries below minLevel are skipped.
func (m *Manager) AddOutput(name string, output Output, minLevel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.outputs[name]; ok {
		existing.output.Close()
	}
	m.outputs[name] = route{
		name:     name,
		output:   output,
		minLevel: minLevel,
	}
	m.publishRoutes()
}

// GetActiveOutputs returns the count of active outputs
func (m *Manager) GetActiveOutputs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.outputs)
}

// Close closes all outputs
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.outputs {
		r.output.Close()
	}
	m.outputs = make(map[string]route)
	m.publishRoutes()
}

// publishRoutes hands the current outputs to the hook; callers hold mu
func (m *Manager) publishRoutes() {
	routes := make([]route, 0, len(m.outputs))
	for _, r := range m.outputs {
		routes = append(routes, r)
	}
	m.dispatchHook.setRoutes(routes)
}
