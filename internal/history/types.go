package history

import (
	"context"
	"time"
)

// Run statuses
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusFatal   = "fatal"
)

// Run is one recorded invocation of apply or rollback
type Run struct {
	ID         int64                  `json:"id"`
	RunID      string                 `json:"run_id"`
	Command    string                 `json:"command"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Target     string                 `json:"target"`
	Groups     []string               `json:"groups"`
	Changes    int                    `json:"changes"` // directives that modified the file
	BackupPath string                 `json:"backup_path,omitempty"`
	State      string                 `json:"state"`
	Status     string                 `json:"status"`
	Error      string                 `json:"error,omitempty"`
	DryRun     bool                   `json:"dry_run"`
	Restarted  bool                   `json:"restarted"`
	Details    map[string]interface{} `json:"details,omitempty"` // host facts and per-directive changes
}

// Filters narrows a history query
type Filters struct {
	Command string
	Status  string
	Limit   int
}

// Store persists runs
type Store interface {
	RecordRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, filters Filters) ([]*Run, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	PurgeRuns(ctx context.Context, olderThanDays int) (int, error)
	Close() error
}
