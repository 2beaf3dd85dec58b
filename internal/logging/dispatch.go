package logging

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Output is a log destination beyond the console: the run log file or a
// remote syslog collector
type Output interface {
	Write(entry *LogEntry) error
	Close() error
}

// LogEntry is a logrus entry flattened for an Output. Error values in
// Fields are already rendered as strings.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// route sends entries at or above minLevel to output
type route struct {
	name     string
	output   Output
	minLevel string
}

// DispatchHook fans every logrus entry out to the Manager's outputs. Writes
// happen inline so each line is on disk before the command returns.
type DispatchHook struct {
	routes atomic.Pointer[[]route]
}

// NewDispatchHook creates a hook with no outputs
func NewDispatchHook() *DispatchHook {
	h := &DispatchHook{}
	h.setRoutes(nil)
	return h
}

// setRoutes swaps in a new set of routes; the Manager holds its lock
func (h *DispatchHook) setRoutes(routes []route) {
	h.routes.Store(&routes)
}

// Levels implements logrus.Hook
func (h *DispatchHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook
func (h *DispatchHook) Fire(entry *logrus.Entry) error {
	logEntry := &LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    make(map[string]interface{}, len(entry.Data)),
	}
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		logEntry.Fields[k] = v
	}

	routes := h.routes.Load()
	if routes == nil {
		return nil
	}

	for _, r := range *routes {
		if !shouldDispatch(logEntry.Level, r.minLevel) {
			continue
		}
		if err := r.output.Write(logEntry); err != nil {
			// logging through logrus here would re-enter Fire
			fmt.Fprintf(os.Stderr, "log output %s: %v\n", r.name, err)
		}
	}

	return nil
}

// shouldDispatch reports whether an entry at entryLevel passes a route with
// minimum level minLevel. Unknown levels count as info.
func shouldDispatch(entryLevel, minLevel string) bool {
	return parseLevelOrInfo(entryLevel) <= parseLevelOrInfo(minLevel)
}

func parseLevelOrInfo(level string) logrus.Level {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return l
}
