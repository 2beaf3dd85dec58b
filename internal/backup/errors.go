package backup

import (
	"errors"
	"fmt"
)

// ErrNoBackup is returned when a restore is requested but no snapshot exists
var ErrNoBackup = errors.New("no backup available")

// BackupError is returned when a snapshot cannot be taken or restored
type BackupError struct {
	Op   string
	Path string
	Err  error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backup %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *BackupError) Unwrap() error {
	return e.Err
}
