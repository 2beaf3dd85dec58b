package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/sirupsen/logrus"
	"github.com/sshharden/sshharden/internal/backup"
	"github.com/sshharden/sshharden/internal/catalog"
	"github.com/sshharden/sshharden/internal/config"
	"github.com/sshharden/sshharden/internal/history"
	"github.com/sshharden/sshharden/internal/metrics"
	"github.com/sshharden/sshharden/internal/sshconfig"
	"github.com/sshharden/sshharden/internal/system"
	"github.com/sshharden/sshharden/internal/verify"
)

// Confirmation keys understood by the runner
const (
	ConfirmRestart = "restart"
)

// Commands recorded in history and metrics
const (
	CommandApply    = "apply"
	CommandRollback = "rollback"
)

// Plan is everything a run needs to know up front. It replaces interactive
// prompting: the CLI builds it from flags and configuration.
type Plan struct {
	Groups        []catalog.GroupName
	AllowUsers    []string
	Overrides     map[string]string // directive name -> value
	Confirmations map[string]bool
	DryRun        bool
}

// Confirmed reports whether the operator approved the given step
func (p Plan) Confirmed(key string) bool {
	return p.Confirmations[key]
}

// Result describes a finished run
type Result struct {
	RunID     string             `json:"run_id"`
	Target    string             `json:"target"`
	Groups    []string           `json:"groups"`
	Backup    *backup.Record     `json:"backup,omitempty"`
	Changes   []sshconfig.Change `json:"changes"`
	State     verify.State       `json:"state"`
	Diff      string             `json:"diff,omitempty"`
	DryRun    bool               `json:"dry_run"`
	Restarted bool               `json:"restarted"`
	Service   string             `json:"service,omitempty"`
}

// Modified returns the number of changes that altered the file
func (r *Result) Modified() int {
	n := 0
	for _, c := range r.Changes {
		if c.Modified() {
			n++
		}
	}
	return n
}

// Restarter restarts the SSH service, trying each unit name in turn
type Restarter interface {
	Restart(ctx context.Context, names ...string) (string, error)
}

// Runner orchestrates a hardening run against one configuration file:
// snapshot, apply, persist, verify (rolling back on failure) and restart.
type Runner struct {
	target       string
	backups      *backup.Store
	checker      verify.Checker
	services     Restarter
	serviceNames []string
	history      history.Store
	metrics      metrics.Manager
	requireRoot  bool
	tools        []string
	checkPre     func(requireRoot bool, tools ...string) error
	hostFacts    func(ctx context.Context) system.HostFacts
	logger       *logrus.Logger
	now          func() time.Time
}

// Option configures a Runner
type Option func(*Runner)

// WithServices enables restarts through r using the given unit names
func WithServices(r Restarter, names ...string) Option {
	return func(run *Runner) {
		run.services = r
		run.serviceNames = names
	}
}

// WithHistory records every run in h
func WithHistory(h history.Store) Option {
	return func(r *Runner) { r.history = h }
}

// WithMetrics records every run in m
func WithMetrics(m metrics.Manager) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithPreconditions sets the privilege and tool checks done before mutating
func WithPreconditions(requireRoot bool, tools ...string) Option {
	return func(r *Runner) {
		r.requireRoot = requireRoot
		r.tools = tools
	}
}

// WithPreconditionCheck replaces the precondition check
func WithPreconditionCheck(check func(requireRoot bool, tools ...string) error) Option {
	return func(r *Runner) { r.checkPre = check }
}

// WithHostFacts replaces host fact collection
func WithHostFacts(collect func(ctx context.Context) system.HostFacts) Option {
	return func(r *Runner) { r.hostFacts = collect }
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner for target
func NewRunner(target string, backups *backup.Store, checker verify.Checker, logger *logrus.Logger, opts ...Option) *Runner {
	r := &Runner{
		target:    target,
		backups:   backups,
		checker:   checker,
		metrics:   metrics.NewManager(config.MetricsConfig{}),
		checkPre:  system.CheckPreconditions,
		hostFacts: system.CollectHostFacts,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Target returns the managed configuration path
func (r *Runner) Target() string {
	return r.target
}

// Run executes plan. The live file is never written unless a backup of it
// was taken first. A verification failure rolls back and returns the
// *verify.VerificationFailure with State RolledBack; an unrecoverable state
// returns *verify.FatalError.
func (r *Runner) Run(ctx context.Context, plan Plan) (res *Result, err error) {
	started := r.now()
	res = &Result{
		RunID:  uuid.New().String(),
		Target: r.target,
		State:  verify.StateUnverified,
		DryRun: plan.DryRun,
	}
	for _, g := range plan.Groups {
		res.Groups = append(res.Groups, string(g))
	}
	log := r.logger.WithFields(logrus.Fields{
		"run_id": res.RunID,
		"target": r.target,
	})

	defer func() {
		r.finish(ctx, CommandApply, started, res, err)
	}()

	groups, err := Resolve(plan)
	if err != nil {
		log.WithError(err).Error("Invalid hardening plan")
		return res, err
	}

	if !plan.DryRun {
		if err := r.preconditions(plan); err != nil {
			log.WithError(err).Error("Precondition check failed")
			return res, err
		}
	}

	original, err := os.ReadFile(r.target)
	if err != nil {
		err = &sshconfig.IOError{Op: "load", Path: r.target, Err: err}
		log.WithError(err).Error("Failed to read configuration")
		return res, err
	}

	if !plan.DryRun {
		// Snapshot before anything can touch the live file
		record, err := r.backups.Create(r.target)
		if err != nil {
			log.WithError(err).Error("Backup failed, no changes applied")
			return res, err
		}
		res.Backup = record

		// The snapshot is the authoritative prior content
		if original, err = os.ReadFile(record.Path); err != nil {
			err = &backup.BackupError{Op: "read", Path: record.Path, Err: err}
			log.WithError(err).Error("Backup unreadable, no changes applied")
			return res, err
		}
	}

	doc := sshconfig.Parse(original)
	for _, g := range groups {
		changes := Apply(doc, g)
		for _, c := range changes {
			if !c.Modified() {
				continue
			}
			log.WithFields(logrus.Fields{
				"group":     g.Name,
				"directive": c.Name,
				"value":     c.Value,
				"previous":  c.Previous,
				"kind":      c.Kind,
			}).Info("Directive applied")
		}
		res.Changes = append(res.Changes, changes...)
	}

	updated := doc.Serialize()
	res.Diff = unifiedDiff(r.target, r.target+" (hardened)", original, updated)

	if plan.DryRun {
		log.WithField("changes", res.Modified()).Info("Dry run complete, configuration not modified")
		return res, nil
	}

	if res.Modified() > 0 {
		if err := doc.Save(r.target); err != nil {
			log.WithError(err).Error("Failed to save configuration")
			return res, err
		}
		log.WithField("changes", res.Modified()).Info("Configuration saved")
	} else {
		log.Info("Configuration already hardened, nothing to save")
	}

	gate := verify.NewGate(r.checker, r.backups, r.logger)
	res.State, err = gate.EnforceFrom(ctx, r.target, res.Backup)
	if err != nil {
		return res, err
	}

	if plan.Confirmed(ConfirmRestart) {
		if err := r.restart(ctx, log, res); err != nil {
			return res, err
		}
	}

	return res, nil
}

// Rollback restores the most recent backup over the target and verifies it.
// A backup that does not verify is reported as *verify.FatalError.
func (r *Runner) Rollback(ctx context.Context, restart bool) (res *Result, err error) {
	started := r.now()
	res = &Result{
		RunID:  uuid.New().String(),
		Target: r.target,
		State:  verify.StateUnverified,
	}
	log := r.logger.WithFields(logrus.Fields{
		"run_id": res.RunID,
		"target": r.target,
	})

	defer func() {
		r.finish(ctx, CommandRollback, started, res, err)
	}()

	if err := r.preconditions(Plan{Confirmations: map[string]bool{ConfirmRestart: restart}}); err != nil {
		log.WithError(err).Error("Precondition check failed")
		return res, err
	}

	record, err := r.backups.Latest()
	if err != nil {
		log.WithError(err).Error("Failed to list backups")
		return res, err
	}
	if record == nil {
		err = &backup.BackupError{Op: "rollback", Path: r.backups.Dir(), Err: backup.ErrNoBackup}
		log.WithError(err).Error("Nothing to roll back to")
		return res, err
	}
	res.Backup = record

	current, err := os.ReadFile(r.target)
	if err != nil {
		log.WithError(err).Warn("Failed to read current configuration, diff is against empty content")
	}
	restored, err := os.ReadFile(record.Path)
	if err != nil {
		err = &backup.BackupError{Op: "rollback", Path: record.Path, Err: err}
		log.WithError(err).Error("Backup unreadable")
		return res, err
	}
	res.Diff = unifiedDiff(r.target, record.Path, current, restored)

	if err := r.backups.Restore(record, r.target); err != nil {
		log.WithError(err).Error("Restore failed")
		return res, err
	}

	gate := verify.NewGate(r.checker, r.backups, r.logger)
	res.State = gate.Verify(ctx, r.target)
	if res.State != verify.StateValid {
		err = &verify.FatalError{Path: r.target, Reason: "restored backup failed verification"}
		log.WithError(err).Error("Unrecoverable configuration state, manual intervention required")
		return res, err
	}

	if restart {
		if err := r.restart(ctx, log, res); err != nil {
			return res, err
		}
	}

	return res, nil
}

// Verify checks the live configuration without changing it
func (r *Runner) Verify(ctx context.Context) verify.State {
	return verify.NewGate(r.checker, r.backups, r.logger).Verify(ctx, r.target)
}

func (r *Runner) preconditions(plan Plan) error {
	tools := append([]string{}, r.tools...)
	if plan.Confirmed(ConfirmRestart) && r.services != nil {
		tools = append(tools, "systemctl")
	}
	return r.checkPre(r.requireRoot, tools...)
}

// restart is only reached with a Valid gate
func (r *Runner) restart(ctx context.Context, log *logrus.Entry, res *Result) error {
	if res.State != verify.StateValid {
		return nil
	}
	if r.services == nil {
		log.Warn("Restart requested but no service manager configured")
		return nil
	}

	name, err := r.services.Restart(ctx, r.serviceNames...)
	r.metrics.RecordRestart(err == nil)
	if err != nil {
		log.WithError(err).Error("Configuration is valid but the SSH service failed to restart")
		return err
	}

	res.Restarted = true
	res.Service = name
	return nil
}

// finish records the run in metrics and history. Failures here are logged
// and never change the outcome of the run.
func (r *Runner) finish(ctx context.Context, command string, started time.Time, res *Result, runErr error) {
	finished := r.now()
	outcome, status := classify(res, runErr)

	r.metrics.RecordRun(command, outcome, finished.Sub(started))
	r.metrics.RecordChanges(res.Changes)
	if res.State == verify.StateRolledBack {
		r.metrics.RecordRollback()
	}
	if records, err := r.backups.List(); err == nil {
		r.metrics.UpdateBackups(len(records))
	}
	if err := r.metrics.Flush(); err != nil {
		r.logger.WithError(err).Warn("Failed to write metrics")
	}

	if r.history == nil {
		return
	}

	facts := r.hostFacts(ctx)
	run := &history.Run{
		RunID:      res.RunID,
		Command:    command,
		StartedAt:  started,
		FinishedAt: finished,
		Target:     res.Target,
		Groups:     res.Groups,
		Changes:    res.Modified(),
		State:      string(res.State),
		Status:     status,
		DryRun:     res.DryRun,
		Restarted:  res.Restarted,
		Details: map[string]interface{}{
			"host":    facts,
			"changes": modifiedChanges(res.Changes),
		},
	}
	if res.Backup != nil {
		run.BackupPath = res.Backup.Path
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}

	if err := r.history.RecordRun(ctx, run); err != nil {
		r.logger.WithError(err).Warn("Failed to record run history")
	}
}

func classify(res *Result, err error) (outcome, status string) {
	var fatal *verify.FatalError
	switch {
	case errors.As(err, &fatal):
		return metrics.OutcomeFatal, history.StatusFatal
	case res.State == verify.StateRolledBack:
		return metrics.OutcomeRolledBack, history.StatusFailure
	case err != nil:
		return metrics.OutcomeAborted, history.StatusFailure
	case res.DryRun:
		return metrics.OutcomeDryRun, history.StatusSuccess
	}
	return metrics.OutcomeSuccess, history.StatusSuccess
}

func modifiedChanges(changes []sshconfig.Change) []sshconfig.Change {
	out := []sshconfig.Change{}
	for _, c := range changes {
		if c.Modified() {
			out = append(out, c)
		}
	}
	return out
}

func unifiedDiff(fromFile, toFile string, before, after []byte) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: fromFile,
		ToFile:   toFile,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return fmt.Sprintf("diff unavailable: %v", err)
	}
	return text
}
