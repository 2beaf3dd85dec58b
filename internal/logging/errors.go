package logging

import "errors"

var (
	// ErrInvalidFormat is returned when an unknown console format is requested
	ErrInvalidFormat = errors.New("invalid log format")

	// ErrSyslogHostNotConfigured is returned when syslog host is not configured
	ErrSyslogHostNotConfigured = errors.New("syslog host not configured")

	// ErrOutputClosed is returned when writing to a closed output
	ErrOutputClosed = errors.New("log output closed")
)
