package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sshharden/sshharden/internal/fsutil"
)

// DefaultRetention is the number of snapshots kept per target file
const DefaultRetention = 5

// timestampLayout is embedded in backup names, e.g. sshd_config.backup_20240101_120000
const timestampLayout = "20060102_150405"

// Record describes one snapshot on disk
type Record struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Store keeps timestamped snapshots of a single target file in a directory.
// Only files following the store's own naming scheme are listed or evicted,
// so the directory may be shared with unrelated files.
type Store struct {
	dir       string
	base      string
	retention int
	now       func() time.Time
	logger    *logrus.Logger
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source used for naming backups
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithRetention sets how many snapshots Create keeps
func WithRetention(limit int) Option {
	return func(s *Store) {
		if limit > 0 {
			s.retention = limit
		}
	}
}

// NewStore creates a backup store for target inside dir
func NewStore(dir, target string, logger *logrus.Logger, opts ...Option) *Store {
	s := &Store{
		dir:       dir,
		base:      filepath.Base(target),
		retention: DefaultRetention,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the backup directory
func (s *Store) Dir() string {
	return s.dir
}

// Retention returns the configured retention limit
func (s *Store) Retention() int {
	return s.retention
}

// Create snapshots sourcePath into the backup directory and then enforces
// retention. Any failure leaves no partial snapshot behind and must be
// treated as fatal by the caller.
func (s *Store) Create(sourcePath string) (*Record, error) {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, &BackupError{Op: "create", Path: sourcePath, Err: err}
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, &BackupError{Op: "create", Path: s.dir, Err: err}
	}

	createdAt := s.now()
	stem := s.prefix() + createdAt.Format(timestampLayout)

	var (
		file *os.File
		path string
	)
	for i := 0; ; i++ {
		name := stem
		if i > 0 {
			name = fmt.Sprintf("%s_%03d", stem, i)
		}
		path = filepath.Join(s.dir, name)
		file, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) || i >= 999 {
			return nil, &BackupError{Op: "create", Path: path, Err: err}
		}
	}

	if err := writeAndClose(file, data); err != nil {
		os.Remove(path)
		return nil, &BackupError{Op: "create", Path: path, Err: err}
	}

	record := &Record{
		Path:      path,
		Name:      filepath.Base(path),
		CreatedAt: createdAt.Truncate(time.Second),
		Size:      int64(len(data)),
	}

	s.logger.WithFields(logrus.Fields{
		"backup": record.Path,
		"source": sourcePath,
		"size":   record.Size,
	}).Info("Configuration backup created")

	s.EnforceRetention(s.retention, record.Path)

	return record, nil
}

// List returns all snapshots of the target, newest first
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &BackupError{Op: "list", Path: s.dir, Err: err}
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		createdAt, ok := s.parseName(entry.Name())
		if !ok {
			continue
		}

		record := Record{
			Path:      filepath.Join(s.dir, entry.Name()),
			Name:      entry.Name(),
			CreatedAt: createdAt,
		}
		if info, err := entry.Info(); err == nil {
			record.Size = info.Size()
		}
		records = append(records, record)
	}

	sortNewestFirst(records)
	return records, nil
}

// Latest returns the most recent snapshot, or nil if there is none
func (s *Store) Latest() (*Record, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// EnforceRetention deletes all but the newest limit snapshots and returns
// the removed paths. Paths in keep are never removed and count towards the
// limit, so a fresh snapshot survives even when older-named files carry
// later timestamps. Failures are logged and skipped.
func (s *Store) EnforceRetention(limit int, keep ...string) []string {
	if limit <= 0 {
		limit = DefaultRetention
	}

	records, err := s.List()
	if err != nil {
		s.logger.WithError(err).Warn("Failed to list backups for retention")
		return nil
	}

	if len(records) <= limit {
		return nil
	}

	var candidates []Record
	for _, record := range records {
		if slices.Contains(keep, record.Path) {
			limit--
			continue
		}
		candidates = append(candidates, record)
	}
	if limit < 0 {
		limit = 0
	}
	if len(candidates) <= limit {
		return nil
	}

	var removed []string
	for _, record := range candidates[limit:] {
		if err := os.Remove(record.Path); err != nil {
			s.logger.WithError(err).WithField("backup", record.Path).Warn("Failed to remove old backup")
			continue
		}
		removed = append(removed, record.Path)
		s.logger.WithField("backup", record.Path).Debug("Old backup removed")
	}

	return removed
}

// Restore copies the snapshot content back over dest atomically
func (s *Store) Restore(record *Record, dest string) error {
	if record == nil {
		return &BackupError{Op: "restore", Path: dest, Err: ErrNoBackup}
	}

	data, err := os.ReadFile(record.Path)
	if err != nil {
		return &BackupError{Op: "restore", Path: record.Path, Err: err}
	}

	if err := fsutil.WriteFileAtomic(dest, data, 0600); err != nil {
		return &BackupError{Op: "restore", Path: dest, Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"backup":      record.Path,
		"destination": dest,
	}).Warn("Configuration restored from backup")

	return nil
}

func (s *Store) prefix() string {
	return s.base + ".backup_"
}

// parseName extracts the creation time from a backup file name. Accepted
// forms are <base>.backup_<timestamp> and <base>.backup_<timestamp>_<seq>.
func (s *Store) parseName(name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, s.prefix())
	if !ok || len(rest) < len(timestampLayout) {
		return time.Time{}, false
	}

	stamp, suffix := rest[:len(timestampLayout)], rest[len(timestampLayout):]
	if suffix != "" {
		seq, ok := strings.CutPrefix(suffix, "_")
		if !ok || seq == "" || strings.Trim(seq, "0123456789") != "" {
			return time.Time{}, false
		}
	}

	createdAt, err := time.ParseInLocation(timestampLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return createdAt, true
}

// sortNewestFirst orders by timestamp, ties broken by name (later sorts newer)
func sortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].Name > records[j].Name
	})
}

func writeAndClose(file *os.File, data []byte) error {
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
