package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (pure Go driver)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// AuditEntry records an automated or admin action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	Actor    string
	Action   string
	Target   string
	OK       bool
	Error    string
	TookMS   int64
	MetaJSON string
}

// UserTaskCounts is one row of the weekly summary.
type UserTaskCounts struct {
	UserID  string
	Open    int
	Overdue int
}

// ProjectInsight aggregates a project's open work.
type ProjectInsight struct {
	ProjectID    string  `json:"projectId"`
	Open         int     `json:"open"`
	Overdue      int     `json:"overdue"`
	Critical     int     `json:"critical"`
	AvgLeadHours float64 `json:"avgPredictedLeadHours"`
}
