package verify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/sshharden/sshharden/internal/backup"
	"github.com/sshharden/sshharden/internal/system"
)

// State is the verification state of a persisted configuration
type State string

const (
	StateUnverified State = "unverified"
	StateValid      State = "valid"
	StateInvalid    State = "invalid"
	StateRolledBack State = "rolled_back"
)

// Checker validates the configuration file at path
type Checker interface {
	Check(ctx context.Context, path string) error
}

// CommandChecker runs an external syntax checker, e.g. "sshd -t -f <path>".
// Any failure to run it counts as invalid.
type CommandChecker struct {
	Runner  system.Runner
	Command string
	Args    []string
}

// Check runs the checker with path appended to its arguments
func (c CommandChecker) Check(ctx context.Context, path string) error {
	runner := c.Runner
	if runner == nil {
		runner = system.ExecRunner{}
	}
	if c.Command == "" {
		return errors.New("no syntax checker configured")
	}

	args := append(append([]string{}, c.Args...), path)
	_, err := runner.Run(ctx, c.Command, args...)
	return err
}

// Restorer is the subset of the backup store the gate needs
type Restorer interface {
	Latest() (*backup.Record, error)
	Restore(record *backup.Record, dest string) error
}

// Gate checks a persisted configuration and rolls it back when invalid
type Gate struct {
	checker Checker
	backups Restorer
	logger  *logrus.Logger
	state   State
}

// NewGate creates a gate in the unverified state
func NewGate(checker Checker, backups Restorer, logger *logrus.Logger) *Gate {
	return &Gate{
		checker: checker,
		backups: backups,
		logger:  logger,
		state:   StateUnverified,
	}
}

// State returns the current gate state
func (g *Gate) State() State {
	return g.state
}

// Verify runs the checker and reports Valid or Invalid. It never restores.
func (g *Gate) Verify(ctx context.Context, path string) State {
	state, _ := g.check(ctx, path)
	return state
}

// Enforce verifies path and, when invalid, restores the latest backup over
// it. A successful rollback returns StateRolledBack with a
// *VerificationFailure; when nothing can be restored a *FatalError is
// returned and the file is left as is.
func (g *Gate) Enforce(ctx context.Context, path string) (State, error) {
	state, failure := g.check(ctx, path)
	if state == StateValid {
		return state, nil
	}

	g.logger.WithError(failure).WithField("path", path).Error("Configuration failed verification, rolling back")

	record, err := g.backups.Latest()
	if err != nil {
		return g.fatal(path, "unable to locate a backup", err)
	}
	return g.rollback(path, record, failure)
}

// EnforceFrom is Enforce with an explicit rollback source, normally the
// snapshot taken right before the file was saved.
func (g *Gate) EnforceFrom(ctx context.Context, path string, record *backup.Record) (State, error) {
	state, failure := g.check(ctx, path)
	if state == StateValid {
		return state, nil
	}

	g.logger.WithError(failure).WithField("path", path).Error("Configuration failed verification, rolling back")
	return g.rollback(path, record, failure)
}

func (g *Gate) rollback(path string, record *backup.Record, failure *VerificationFailure) (State, error) {
	if record == nil {
		return g.fatal(path, "no backup available, configuration left in its failed state", failure)
	}

	if err := g.backups.Restore(record, path); err != nil {
		return g.fatal(path, "restore from backup failed", err)
	}

	g.state = StateRolledBack
	g.logger.WithFields(logrus.Fields{
		"path":   path,
		"backup": record.Path,
	}).Warn("Configuration rolled back to last known-good backup")

	return g.state, failure
}

func (g *Gate) check(ctx context.Context, path string) (State, *VerificationFailure) {
	err := g.checker.Check(ctx, path)
	if err == nil {
		g.state = StateValid
		g.logger.WithField("path", path).Info("Configuration verified")
		return g.state, nil
	}

	failure := &VerificationFailure{Path: path, Err: err}
	var cmdErr *system.CommandError
	if errors.As(err, &cmdErr) {
		failure.Output = cmdErr.Output
	}

	g.state = StateInvalid
	return g.state, failure
}

func (g *Gate) fatal(path, reason string, cause error) (State, error) {
	err := &FatalError{Path: path, Reason: reason, Err: cause}
	g.logger.WithError(err).Error("Unrecoverable configuration state, manual intervention required")
	return g.state, err
}
