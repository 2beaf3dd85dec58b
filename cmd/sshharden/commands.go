package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/sshharden/sshharden/internal/backup"
	"github.com/sshharden/sshharden/internal/catalog"
	"github.com/sshharden/sshharden/internal/config"
	"github.com/sshharden/sshharden/internal/engine"
	"github.com/sshharden/sshharden/internal/history"
	"github.com/sshharden/sshharden/internal/logging"
	"github.com/sshharden/sshharden/internal/metrics"
	"github.com/sshharden/sshharden/internal/system"
	"github.com/sshharden/sshharden/internal/verify"
)

// app holds the components wired from configuration for one command
type app struct {
	cfg     *config.Config
	logs    *logging.Manager
	logger  *logrus.Logger
	backups *backup.Store
	history history.Store
	runner  *engine.Runner
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logs, err := logging.Setup(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	logger := logs.Logger()

	logger.WithFields(logrus.Fields{
		"version": version,
		"command": cmd.Name(),
		"target":  cfg.SSHDConfig,
	}).Debug("Starting sshharden")

	a := &app{
		cfg:     cfg,
		logs:    logs,
		logger:  logger,
		backups: backup.NewStore(cfg.BackupDir, cfg.SSHDConfig, logger, backup.WithRetention(cfg.BackupRetention)),
	}

	if cfg.History.Enable {
		store, err := history.NewSQLiteStore(cfg.History.DBPath, logger)
		if err != nil {
			logger.WithError(err).Warn("Run history unavailable")
		} else {
			a.history = store
			if _, err := history.PurgeExpired(cmd.Context(), store, cfg.History.RetentionDays, logger); err != nil {
				logger.WithError(err).Warn("Run history retention cleanup failed")
			}
		}
	}

	runner := system.ExecRunner{}
	opts := []engine.Option{
		engine.WithServices(system.NewServiceManager(runner, logger), cfg.Service.Names...),
		engine.WithPreconditions(cfg.RequireRoot, cfg.Verify.Command),
		engine.WithMetrics(metrics.NewManager(cfg.Metrics)),
	}
	if a.history != nil {
		opts = append(opts, engine.WithHistory(a.history))
	}

	checker := verify.CommandChecker{
		Runner:  runner,
		Command: cfg.Verify.Command,
		Args:    cfg.Verify.Args,
	}
	a.runner = engine.NewRunner(cfg.SSHDConfig, a.backups, checker, logger, opts...)

	return a, nil
}

func (a *app) Close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close run history")
		}
	}
	a.logs.Close()
}

func newApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Back up, harden and verify the sshd configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			plan := planFromConfig(a.cfg)
			res, err := a.runner.Run(cmd.Context(), plan)
			printResult(cmd.OutOrStdout(), res)
			return err
		},
	}

	cmd.Flags().StringSliceP("group", "g", nil, "Setting groups to apply: basic, advanced, encryption (default basic)")
	cmd.Flags().StringSlice("allow-user", nil, "Restrict logins to these users (AllowUsers)")
	cmd.Flags().StringToString("set", nil, "Override a directive value, e.g. --set Port=2022")
	cmd.Flags().Bool("restart", false, "Restart the SSH service after a verified change")
	cmd.Flags().Bool("dry-run", false, "Show the resulting diff without touching any file")
	cmd.Flags().String("history-db", "", "Run history database path")
	cmd.Flags().String("metrics-textfile", "", "node_exporter textfile to write metrics to")

	return cmd
}

func planFromConfig(cfg *config.Config) engine.Plan {
	plan := engine.Plan{
		AllowUsers: cfg.AllowUsers,
		Overrides:  cfg.Overrides,
		Confirmations: map[string]bool{
			engine.ConfirmRestart: cfg.Restart,
		},
		DryRun: cfg.DryRun,
	}
	for _, g := range cfg.Groups {
		for _, name := range strings.Split(g, ",") {
			if name = strings.TrimSpace(name); name != "" {
				plan.Groups = append(plan.Groups, catalog.GroupName(name))
			}
		}
	}
	return plan
}

func newRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore the most recent backup and verify it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.runner.Rollback(cmd.Context(), a.cfg.Restart)
			printResult(cmd.OutOrStdout(), res)
			return err
		},
	}

	cmd.Flags().Bool("restart", false, "Restart the SSH service after a verified restore")

	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the live sshd configuration without changing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			state := a.runner.Verify(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", a.cfg.SSHDConfig, state)
			if state != verify.StateValid {
				return fmt.Errorf("%s failed verification", a.cfg.SSHDConfig)
			}
			return nil
		},
	}
}

func newBackupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backups of the sshd configuration, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.backups.List()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintf(out, "No backups in %s\n", a.backups.Dir())
				return nil
			}
			fmt.Fprintf(out, "%d backup(s) in %s, keeping the newest %d\n\n", len(records), a.backups.Dir(), a.backups.Retention())

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCREATED\tSIZE")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%d\n", r.Name, r.CreatedAt.Format(time.DateTime), r.Size)
			}
			return w.Flush()
		},
	}
}

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog [group]",
		Short: "Show the settings each group applies",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groups := catalog.All()
			if len(args) == 1 {
				g, err := catalog.Lookup(args[0])
				if err != nil {
					return err
				}
				groups = []catalog.Group{g}
			}

			out := cmd.OutOrStdout()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(groups)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, g := range groups {
				fmt.Fprintf(w, "[%s] %s\n", g.Name, g.Title)
				for _, d := range g.Directives {
					fmt.Fprintf(w, "  %s\t%s\t%s\n", d.Name, d.Value, d.Description)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().Bool("json", false, "Print as JSON")

	return cmd
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent hardening runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.history == nil {
				return fmt.Errorf("run history is disabled or unavailable")
			}

			limit, _ := cmd.Flags().GetInt("limit")
			status, _ := cmd.Flags().GetString("status")
			command, _ := cmd.Flags().GetString("command")
			runs, err := a.history.ListRuns(cmd.Context(), history.Filters{
				Command: command,
				Status:  status,
				Limit:   limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tCOMMAND\tGROUPS\tCHANGES\tSTATE\tSTATUS\tRUN ID")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					r.StartedAt.Format(time.DateTime),
					r.Command,
					strings.Join(r.Groups, ","),
					r.Changes,
					r.State,
					r.Status,
					r.RunID,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().Int("limit", 20, "Maximum number of runs to show")
	cmd.Flags().String("status", "", "Only show runs with this status (success, failure, fatal)")
	cmd.Flags().String("command", "", "Only show runs of this command (apply, rollback)")
	cmd.Flags().String("history-db", "", "Run history database path")

	return cmd
}

// printResult writes a human readable summary of a run
func printResult(out io.Writer, res *engine.Result) {
	if res == nil {
		return
	}

	if res.DryRun {
		if res.Diff == "" {
			fmt.Fprintln(out, "No changes: configuration already hardened")
		} else {
			fmt.Fprint(out, res.Diff)
		}
		return
	}

	if res.Backup != nil {
		fmt.Fprintf(out, "Backup:  %s\n", res.Backup.Path)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, c := range res.Changes {
		if !c.Modified() {
			continue
		}
		previous := c.Previous
		if previous == "" {
			previous = "-"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s -> %s\n", c.Kind, c.Name, previous, c.Value)
	}
	w.Flush()

	fmt.Fprintf(out, "Changed: %d directive(s)\n", res.Modified())
	fmt.Fprintf(out, "State:   %s\n", res.State)
	if res.Restarted {
		fmt.Fprintf(out, "Service: %s restarted\n", res.Service)
	}
}
