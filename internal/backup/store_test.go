package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	current time.Time
	step    time.Duration
}

func (c *fakeClock) Now() time.Time {
	now := c.current
	c.current = c.current.Add(c.step)
	return now
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel) // Reduce noise in tests
	return logger
}

func setupStore(t *testing.T, step time.Duration, opts ...Option) (*Store, string, *fakeClock) {
	t.Helper()

	root := t.TempDir()
	target := filepath.Join(root, "sshd_config")
	require.NoError(t, os.WriteFile(target, []byte("Port 22\n"), 0644))

	clock := &fakeClock{
		current: time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local),
		step:    step,
	}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	store := NewStore(filepath.Join(root, "backups"), target, newTestLogger(), opts...)

	return store, target, clock
}

func TestCreate(t *testing.T) {
	store, target, _ := setupStore(t, time.Second)

	record, err := store.Create(target)
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, "sshd_config.backup_20240101_120000", record.Name)
	assert.Equal(t, int64(len("Port 22\n")), record.Size)

	data, err := os.ReadFile(record.Path)
	require.NoError(t, err)
	assert.Equal(t, "Port 22\n", string(data))

	info, err := os.Stat(store.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCreate_SameSecondGetsUniqueNames(t *testing.T) {
	store, target, _ := setupStore(t, 0)

	first, err := store.Create(target)
	require.NoError(t, err)
	second, err := store.Create(target)
	require.NoError(t, err)

	assert.Equal(t, "sshd_config.backup_20240101_120000", first.Name)
	assert.Equal(t, "sshd_config.backup_20240101_120000_001", second.Name)

	latest, err := store.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.Name, latest.Name, "later name wins a timestamp tie")
}

func TestCreate_Failures(t *testing.T) {
	t.Run("Missing source", func(t *testing.T) {
		store, _, _ := setupStore(t, time.Second)

		_, err := store.Create(filepath.Join(t.TempDir(), "missing"))

		var backupErr *BackupError
		require.True(t, errors.As(err, &backupErr))
		assert.Equal(t, "create", backupErr.Op)
	})

	t.Run("Backup directory is a file", func(t *testing.T) {
		root := t.TempDir()
		target := filepath.Join(root, "sshd_config")
		require.NoError(t, os.WriteFile(target, []byte("Port 22\n"), 0644))
		blocker := filepath.Join(root, "backups")
		require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0644))

		store := NewStore(blocker, target, newTestLogger())
		_, err := store.Create(target)

		var backupErr *BackupError
		require.True(t, errors.As(err, &backupErr))
	})
}

func TestRetentionBound(t *testing.T) {
	store, target, _ := setupStore(t, time.Second)

	for i := 0; i < 12; i++ {
		_, err := store.Create(target)
		require.NoError(t, err)

		records, err := store.List()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(records), DefaultRetention)
	}
}

func TestRetentionOrdering(t *testing.T) {
	store, target, _ := setupStore(t, time.Minute)

	var names []string
	for i := 0; i < 7; i++ {
		record, err := store.Create(target)
		require.NoError(t, err)
		names = append(names, record.Name)
	}

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 5)

	// newest first: t7 .. t3
	for i, record := range records {
		assert.Equal(t, names[6-i], record.Name)
	}
}

func TestEnforceRetention(t *testing.T) {
	store, target, _ := setupStore(t, time.Second, WithRetention(10))

	for i := 0; i < 6; i++ {
		_, err := store.Create(target)
		require.NoError(t, err)
	}

	removed := store.EnforceRetention(2)
	assert.Len(t, removed, 4)

	records, err := store.List()
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, "sshd_config.backup_20240101_120005", records[0].Name)
	assert.Equal(t, "sshd_config.backup_20240101_120004", records[1].Name)
}

func TestCreate_KeepsNewSnapshotWhenClockStepsBack(t *testing.T) {
	store, target, _ := setupStore(t, time.Second)

	require.NoError(t, os.MkdirAll(store.Dir(), 0700))
	for i := 1; i <= DefaultRetention; i++ {
		name := fmt.Sprintf("sshd_config.backup_20300101_00000%d", i)
		require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), name), []byte("STALE\n"), 0600))
	}

	record, err := store.Create(target)
	require.NoError(t, err)

	data, err := os.ReadFile(record.Path)
	require.NoError(t, err)
	assert.Equal(t, "Port 22\n", string(data))

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, DefaultRetention)
	assert.Equal(t, record.Name, records[len(records)-1].Name)

	// The oldest future-dated snapshot made room for it
	_, err = os.Stat(filepath.Join(store.Dir(), "sshd_config.backup_20300101_000001"))
	assert.True(t, os.IsNotExist(err))
}

func TestEnforceRetention_Keep(t *testing.T) {
	store, target, _ := setupStore(t, time.Second, WithRetention(10))

	var first *Record
	for i := 0; i < 4; i++ {
		record, err := store.Create(target)
		require.NoError(t, err)
		if first == nil {
			first = record
		}
	}

	removed := store.EnforceRetention(2, first.Path)
	assert.Len(t, removed, 2)

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "sshd_config.backup_20240101_120003", records[0].Name)
	assert.Equal(t, first.Name, records[1].Name)
}

func TestEnforceRetention_IgnoresForeignFiles(t *testing.T) {
	store, target, _ := setupStore(t, time.Second, WithRetention(1))

	require.NoError(t, os.MkdirAll(store.Dir(), 0700))
	foreign := []string{
		"notes.txt",
		"ssh_config.backup_20200101_000000",
		"sshd_config.backup_garbage",
		"sshd_config.backup_20200101_000000_x",
	}
	for _, name := range foreign {
		require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), name), []byte("x"), 0600))
	}

	for i := 0; i < 3; i++ {
		_, err := store.Create(target)
		require.NoError(t, err)
	}

	for _, name := range foreign {
		_, err := os.Stat(filepath.Join(store.Dir(), name))
		assert.NoError(t, err, "%s must survive eviction", name)
	}

	records, err := store.List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestLatest(t *testing.T) {
	t.Run("No backups", func(t *testing.T) {
		store, _, _ := setupStore(t, time.Second)

		latest, err := store.Latest()
		assert.NoError(t, err)
		assert.Nil(t, latest)
	})

	t.Run("Newest by timestamp", func(t *testing.T) {
		store, target, _ := setupStore(t, time.Hour)

		_, err := store.Create(target)
		require.NoError(t, err)
		second, err := store.Create(target)
		require.NoError(t, err)

		latest, err := store.Latest()
		require.NoError(t, err)
		assert.Equal(t, second.Path, latest.Path)
	})
}

func TestRestore(t *testing.T) {
	t.Run("Restores byte-identical content", func(t *testing.T) {
		store, target, _ := setupStore(t, time.Second)

		record, err := store.Create(target)
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(target, []byte("Port broken\n"), 0644))
		require.NoError(t, store.Restore(record, target))

		data, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "Port 22\n", string(data))

		_, err = os.Stat(record.Path)
		assert.NoError(t, err, "restore does not consume the snapshot")
	})

	t.Run("Nil record", func(t *testing.T) {
		store, target, _ := setupStore(t, time.Second)

		err := store.Restore(nil, target)
		assert.True(t, errors.Is(err, ErrNoBackup))
	})

	t.Run("Missing snapshot file", func(t *testing.T) {
		store, target, _ := setupStore(t, time.Second)

		record, err := store.Create(target)
		require.NoError(t, err)
		require.NoError(t, os.Remove(record.Path))

		err = store.Restore(record, target)
		var backupErr *BackupError
		require.True(t, errors.As(err, &backupErr))
		assert.Equal(t, "restore", backupErr.Op)
	})
}
