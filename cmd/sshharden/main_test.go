package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sshharden/sshharden/internal/backup"
	"github.com/sshharden/sshharden/internal/history"
	"github.com/sshharden/sshharden/internal/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = "# sshd_config\nPort 22\nPermitRootLogin yes\nUsePAM yes\n"

type testEnv struct {
	dir        string
	target     string
	backupDir  string
	configFile string
}

// newTestEnv writes a tool configuration that points every path into a
// temporary directory and uses checker as the syntax check command
func newTestEnv(t *testing.T, checker string) *testEnv {
	t.Helper()

	dir := t.TempDir()
	env := &testEnv{
		dir:        dir,
		target:     filepath.Join(dir, "sshd_config"),
		backupDir:  filepath.Join(dir, "backups"),
		configFile: filepath.Join(dir, "sshharden.yaml"),
	}
	require.NoError(t, os.WriteFile(env.target, []byte(sampleConfig), 0600))

	yaml := fmt.Sprintf(`sshd_config: %s
backup_dir: %s
log_file: %s
log_level: debug
require_root: false
verify:
  command: %s
  args: []
history:
  enable: true
  db_path: %s
  retention_days: 30
metrics:
  enable: true
  textfile: %s
`, env.target, env.backupDir, filepath.Join(dir, "sshharden.log"), checker,
		filepath.Join(dir, "history.db"), filepath.Join(dir, "sshharden.prom"))
	require.NoError(t, os.WriteFile(env.configFile, []byte(yaml), 0600))

	return env
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "--config", e.configFile))

	err := cmd.Execute()
	return stdout.String(), err
}

func (e *testEnv) read(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(e.target)
	require.NoError(t, err)
	return string(data)
}

func TestRootCommand_HelpOutput(t *testing.T) {
	rootCmd := newRootCmd()
	helpOutput := rootCmd.UsageString()

	assert.Contains(t, helpOutput, "--config")
	assert.Contains(t, helpOutput, "--sshd-config")
	assert.Contains(t, helpOutput, "--backup-dir")
	assert.Contains(t, helpOutput, "--log-file")
	for _, sub := range []string{"apply", "rollback", "verify", "backups", "catalog", "history"} {
		assert.Contains(t, helpOutput, sub)
	}
}

func TestRootCommand_Version(t *testing.T) {
	var buf bytes.Buffer
	rootCmd := newRootCmd()
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"--version"})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), version)
}

func TestCatalogCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd := newRootCmd()
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"catalog", "basic"})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "[basic]")
	assert.Contains(t, buf.String(), "PermitRootLogin")
	assert.NotContains(t, buf.String(), "[encryption]")

	rootCmd = newRootCmd()
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"catalog", "paranoid"})
	assert.Error(t, rootCmd.Execute())
}

func TestApplyCommand_DryRun(t *testing.T) {
	env := newTestEnv(t, "true")

	out, err := env.run(t, "apply", "--dry-run", "--set", "Port=2022")
	require.NoError(t, err)

	assert.Contains(t, out, "-Port 22\n")
	assert.Contains(t, out, "+Port 2022\n")
	assert.Contains(t, out, "+PermitRootLogin no\n")
	assert.Equal(t, sampleConfig, env.read(t))

	_, err = os.Stat(env.backupDir)
	assert.True(t, os.IsNotExist(err))
}

func TestApplyCommand(t *testing.T) {
	env := newTestEnv(t, "true")

	out, err := env.run(t, "apply", "--group", "basic,encryption", "--allow-user", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "State:   valid")

	content := env.read(t)
	assert.Contains(t, content, "Port 2222\n")
	assert.Contains(t, content, "PermitRootLogin no\n")
	assert.Contains(t, content, "AllowUsers alice\n")
	assert.Contains(t, content, "Ciphers ")

	out, err = env.run(t, "backups")
	require.NoError(t, err)
	assert.Contains(t, out, "keeping the newest 5")
	assert.Contains(t, out, "sshd_config.backup_")

	out, err = env.run(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "apply")
	assert.Contains(t, out, "basic,encryption")
	assert.Contains(t, out, "success")

	prom, err := os.ReadFile(filepath.Join(env.dir, "sshharden.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(prom), `sshharden_run_last_outcome{command="apply",outcome="success"} 1`)

	logData, err := os.ReadFile(filepath.Join(env.dir, "sshharden.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "[INFO] Configuration backup created")
	assert.Contains(t, string(logData), "[INFO] Configuration verified")
}

func TestApplyCommand_VerificationFailure(t *testing.T) {
	env := newTestEnv(t, "false")

	_, err := env.run(t, "apply")

	var failure *verify.VerificationFailure
	require.True(t, errors.As(err, &failure), "got %v", err)
	assert.Equal(t, exitError, exitCode(err))
	assert.Equal(t, sampleConfig, env.read(t))
}

func TestApplyCommand_UnknownGroup(t *testing.T) {
	env := newTestEnv(t, "true")

	_, err := env.run(t, "apply", "--group", "paranoid")
	assert.Error(t, err)
	assert.Equal(t, sampleConfig, env.read(t))
}

func TestRollbackCommand(t *testing.T) {
	env := newTestEnv(t, "true")

	_, err := env.run(t, "rollback")
	var backupErr *backup.BackupError
	require.True(t, errors.As(err, &backupErr), "got %v", err)

	_, err = env.run(t, "apply")
	require.NoError(t, err)
	require.NotEqual(t, sampleConfig, env.read(t))

	out, err := env.run(t, "rollback")
	require.NoError(t, err)
	assert.Contains(t, out, "State:   valid")
	assert.Equal(t, sampleConfig, env.read(t))
}

func TestHistoryCommand_RetentionAndFilters(t *testing.T) {
	env := newTestEnv(t, "true")
	dbPath := filepath.Join(env.dir, "history.db")

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := history.NewSQLiteStore(dbPath, logger)
	require.NoError(t, err)
	started := time.Now().AddDate(0, 0, -45)
	require.NoError(t, store.RecordRun(context.Background(), &history.Run{
		RunID:      "expired-run",
		Command:    "apply",
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Target:     env.target,
		State:      "valid",
		Status:     history.StatusSuccess,
	}))
	require.NoError(t, store.Close())

	_, err = env.run(t, "apply")
	require.NoError(t, err)
	_, err = env.run(t, "rollback")
	require.NoError(t, err)

	out, err := env.run(t, "history")
	require.NoError(t, err)
	assert.NotContains(t, out, "expired-run", "runs past history.retention_days are purged")
	assert.Contains(t, out, "apply")
	assert.Contains(t, out, "rollback")

	out, err = env.run(t, "history", "--command", "rollback")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, out)
	assert.Contains(t, lines[1], "rollback")
}

func TestVerifyCommand(t *testing.T) {
	out, err := newTestEnv(t, "true").run(t, "verify")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), ": valid"))

	out, err = newTestEnv(t, "false").run(t, "verify")
	assert.Error(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), ": invalid"))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"Success", nil, exitOK},
		{"Plain error", errors.New("boom"), exitError},
		{"Verification failure", &verify.VerificationFailure{Path: "/etc/ssh/sshd_config"}, exitError},
		{"Fatal", &verify.FatalError{Path: "/etc/ssh/sshd_config", Reason: "no backup"}, exitFatal},
		{"Wrapped fatal", fmt.Errorf("apply: %w", &verify.FatalError{Path: "/x"}), exitFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
