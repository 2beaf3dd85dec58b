package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// lineTimestampFormat is used in "[<timestamp>] [<LEVEL>] <message>" lines
const lineTimestampFormat = "2006-01-02 15:04:05"

// FileOutput appends log lines to a file
type FileOutput struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileOutput opens path for appending, creating it and its directory if needed
func NewFileOutput(path string) (*FileOutput, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &FileOutput{file: file}, nil
}

// Write appends one formatted line
func (f *FileOutput) Write(entry *LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return ErrOutputClosed
	}

	_, err := f.file.WriteString(formatLine(entry.Timestamp, entry.Level, entry.Message, entry.Fields))
	return err
}

// Close closes the log file
func (f *FileOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// LineFormatter renders logrus entries in the log file line format
type LineFormatter struct{}

// Format implements logrus.Formatter
func (LineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}
	return []byte(formatLine(entry.Time, entry.Level.String(), entry.Message, fields)), nil
}

// formatLine renders "[<timestamp>] [<LEVEL>] <message> key=value ..." with
// fields sorted by key
func formatLine(ts time.Time, level, message string, fields map[string]interface{}) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(ts.Format(lineTimestampFormat))
	b.WriteString("] [")
	b.WriteString(strings.ToUpper(level))
	b.WriteString("] ")
	b.WriteString(strings.ReplaceAll(message, "\n", " "))

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		value := strings.ReplaceAll(fmt.Sprint(fields[k]), "\n", " ")
		if strings.ContainsAny(value, " \t\"=") {
			value = fmt.Sprintf("%q", value)
		}
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(value)
	}

	b.WriteString("\n")
	return b.String()
}
