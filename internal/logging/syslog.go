package logging

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
)

// RFC 5424 severities
const (
	severityCritical = 2
	severityError    = 3
	severityWarning  = 4
	severityInfo     = 6
	severityDebug    = 7
)

// facilityAuthPriv is LOG_AUTHPRIV, the facility sshd itself logs to
const facilityAuthPriv = 10

// SyslogOutput forwards run log lines to a remote collector so changes to
// sshd_config show up next to sshd's own authpriv messages
type SyslogOutput struct {
	conn     net.Conn
	protocol string // tcp or udp
	addr     string
	tag      string
	mu       sync.Mutex
}

// NewSyslogOutput dials host:port over protocol
func NewSyslogOutput(protocol, host string, port int, tag string) (*SyslogOutput, error) {
	if host == "" {
		return nil, ErrSyslogHostNotConfigured
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.Dial(protocol, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog: %w", err)
	}

	return &SyslogOutput{
		conn:     conn,
		protocol: protocol,
		addr:     addr,
		tag:      tag,
	}, nil
}

// Write sends entry as one RFC 3164 message, redialing once if the
// connection dropped
func (s *SyslogOutput) Write(entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrOutputClosed
	}

	message := []byte(s.frame(entry))
	_, err := s.conn.Write(message)
	if err == nil {
		return nil
	}

	s.conn.Close()
	conn, dialErr := net.Dial(s.protocol, s.addr)
	if dialErr != nil {
		s.conn = nil
		return fmt.Errorf("failed to write to syslog and reconnect failed: %w", err)
	}
	s.conn = conn

	if _, err := s.conn.Write(message); err != nil {
		return fmt.Errorf("failed to write to syslog after reconnect: %w", err)
	}
	return nil
}

// frame renders "<PRI>Mmm dd hh:mm:ss tag[pid]: <log line>"
func (s *SyslogOutput) frame(entry *LogEntry) string {
	line := strings.TrimSuffix(formatLine(entry.Timestamp, entry.Level, entry.Message, entry.Fields), "\n")
	return fmt.Sprintf("<%d>%s %s[%d]: %s\n",
		facilityAuthPriv*8+severity(entry.Level),
		entry.Timestamp.Format("Jan _2 15:04:05"),
		s.tag,
		os.Getpid(),
		line,
	)
}

func severity(level string) int {
	switch level {
	case "trace", "debug":
		return severityDebug
	case "warn", "warning":
		return severityWarning
	case "error":
		return severityError
	case "fatal", "panic":
		return severityCritical
	}
	return severityInfo
}

// Close closes the connection; later writes return ErrOutputClosed
func (s *SyslogOutput) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
