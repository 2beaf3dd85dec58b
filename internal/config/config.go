package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for sshharden
type Config struct {
	// Target and backups
	SSHDConfig      string `mapstructure:"sshd_config"`
	BackupDir       string `mapstructure:"backup_dir"`
	BackupRetention int    `mapstructure:"backup_retention"`

	// Logging
	LogFile   string `mapstructure:"log_file"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // console format: text, json, line

	RequireRoot bool `mapstructure:"require_root"`

	// What to apply
	Groups     []string          `mapstructure:"groups"`
	AllowUsers []string          `mapstructure:"allow_users"`
	Overrides  map[string]string `mapstructure:"overrides"` // directive name -> value
	Restart    bool              `mapstructure:"restart"`
	DryRun     bool              `mapstructure:"dry_run"`

	Verify  VerifyConfig  `mapstructure:"verify"`
	Service ServiceConfig `mapstructure:"service"`
	History HistoryConfig `mapstructure:"history"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Syslog  SyslogConfig  `mapstructure:"syslog"`
}

// VerifyConfig defines the external syntax checker
type VerifyConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"` // the config path is appended
}

// ServiceConfig defines the daemon restarted after a verified change
type ServiceConfig struct {
	Names []string `mapstructure:"names"` // tried in order
}

// HistoryConfig defines the run ledger
type HistoryConfig struct {
	Enable        bool   `mapstructure:"enable"`
	DBPath        string `mapstructure:"db_path"`
	RetentionDays int    `mapstructure:"retention_days"` // 0 keeps every run
}

// MetricsConfig defines the node_exporter textfile output
type MetricsConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Textfile string `mapstructure:"textfile"`
}

// SyslogConfig defines an optional remote syslog log target
type SyslogConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Protocol string `mapstructure:"protocol"` // tcp, udp
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Tag      string `mapstructure:"tag"`
	Level    string `mapstructure:"level"`
}

// Load loads configuration from defaults, an optional config file,
// environment variables and the flags of cmd
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables
	v.SetEnvPrefix("SSHHARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and setup defaults
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sshd_config", "/etc/ssh/sshd_config")
	v.SetDefault("backup_dir", "/etc/ssh/backups")
	v.SetDefault("backup_retention", 5)

	v.SetDefault("log_file", "/var/log/sshharden.log")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("require_root", true)

	v.SetDefault("groups", []string{"basic"})
	v.SetDefault("allow_users", []string{})
	v.SetDefault("restart", false)
	v.SetDefault("dry_run", false)

	// Syntax checker: sshd -t -f <path>
	v.SetDefault("verify.command", "sshd")
	v.SetDefault("verify.args", []string{"-t", "-f"})

	// Debian/Ubuntu name the unit "ssh", most others "sshd"
	v.SetDefault("service.names", []string{"ssh", "sshd"})

	v.SetDefault("history.enable", true)
	v.SetDefault("history.db_path", "/var/lib/sshharden/history.db")
	v.SetDefault("history.retention_days", 90)

	v.SetDefault("metrics.enable", false)
	v.SetDefault("metrics.textfile", "/var/lib/node_exporter/textfile_collector/sshharden.prom")

	v.SetDefault("syslog.enable", false)
	v.SetDefault("syslog.protocol", "udp")
	v.SetDefault("syslog.port", 514)
	v.SetDefault("syslog.tag", "sshharden")
	v.SetDefault("syslog.level", "info")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"sshd-config":      "sshd_config",
		"backup-dir":       "backup_dir",
		"backup-retention": "backup_retention",
		"log-file":         "log_file",
		"log-level":        "log_level",
		"log-format":       "log_format",
		"require-root":     "require_root",
		"group":            "groups",
		"allow-user":       "allow_users",
		"restart":          "restart",
		"dry-run":          "dry_run",
		"history-db":       "history.db_path",
		"metrics-textfile": "metrics.textfile",
	}

	for flag, key := range flags {
		// Subcommands only define the flags they use
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	// --set Key=Value directive overrides
	if f := cmd.Flags().Lookup("set"); f != nil && f.Changed {
		values, err := cmd.Flags().GetStringToString("set")
		if err != nil {
			return err
		}
		v.Set("overrides", values)
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.SSHDConfig == "" {
		return fmt.Errorf("sshd_config is required")
	}
	if cfg.BackupDir == "" {
		return fmt.Errorf("backup_dir is required")
	}

	// Make paths absolute so backups and restores always point at the same file
	for _, p := range []*string{&cfg.SSHDConfig, &cfg.BackupDir} {
		if !filepath.IsAbs(*p) {
			abs, err := filepath.Abs(*p)
			if err == nil {
				*p = abs
			}
		}
	}

	if cfg.BackupRetention < 1 {
		return fmt.Errorf("backup_retention must be at least 1, got %d", cfg.BackupRetention)
	}

	switch cfg.LogFormat {
	case "text", "json", "line":
	default:
		return fmt.Errorf("log_format must be text, json or line, got %q", cfg.LogFormat)
	}

	if cfg.Verify.Command == "" {
		return fmt.Errorf("verify.command is required")
	}

	if len(cfg.Service.Names) == 0 {
		cfg.Service.Names = []string{"ssh", "sshd"}
	}

	if cfg.History.RetentionDays < 0 {
		return fmt.Errorf("history.retention_days must not be negative, got %d", cfg.History.RetentionDays)
	}

	if cfg.Syslog.Enable && cfg.Syslog.Host == "" {
		return fmt.Errorf("syslog enabled but syslog.host not specified")
	}

	if cfg.Overrides == nil {
		cfg.Overrides = map[string]string{}
	}

	return nil
}
