package models

import "time"

// ConnectionState tracks the lifecycle of one remote endpoint. Transitions are
// owned exclusively by that endpoint's supervisor.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
	StateFailed       ConnectionState = "failed"
)

// HealthStatus classifies a probe result.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
	StatusUnknown  HealthStatus = "unknown"
)

// HealthRecord is one probe observation. Append-only.
type HealthRecord struct {
	Component string                 `json:"component"`
	Status    HealthStatus           `json:"status"`
	Latency   time.Duration          `json:"latency_ns"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// IntegrityReport compares row counts of one logical collection between the
// time-series source and the record sink. Append-only.
type IntegrityReport struct {
	Collection        string    `json:"collection"`
	TotalRecords      int64     `json:"total_records"`
	MatchedRecords    int64     `json:"matched_records"`
	MismatchedRecords int64     `json:"mismatched_records"`
	QualityScore      float64   `json:"quality_score"`
	Issues            []string  `json:"issues,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// BackupType selects the snapshot strategy.
type BackupType string

const (
	BackupFull        BackupType = "full"
	BackupIncremental BackupType = "incremental"
)

// BackupStatus is the terminal outcome of one backup run.
type BackupStatus string

const (
	BackupSuccess BackupStatus = "success"
	BackupFailed  BackupStatus = "failed"
)

// BackupRecord documents one backup attempt. Append-only.
type BackupRecord struct {
	ID        string       `json:"id"`
	System    string       `json:"system"`
	Type      BackupType   `json:"type"`
	Path      string       `json:"path,omitempty"`
	SizeBytes int64        `json:"size_bytes"`
	Checksum  string       `json:"checksum,omitempty"`
	Status    BackupStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// AlertSeverity orders alerts for operators.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is created once and never deleted; only the two bool flags may change
// after creation.
type Alert struct {
	ID           string        `json:"id"`
	Severity     AlertSeverity `json:"severity"`
	Component    string        `json:"component"`
	Message      string        `json:"message"`
	CreatedAt    time.Time     `json:"created_at"`
	Acknowledged bool          `json:"acknowledged"`
	Resolved     bool          `json:"resolved"`
}

// SyncCursor is the incremental-sync position: the (timestamp, symbol) pair of
// the last fully handled row. Paging on the pair keeps rows that share a
// timestamp from being skipped at a batch boundary.
type SyncCursor struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
}

func (c SyncCursor) IsZero() bool {
	return c.Timestamp.IsZero() && c.Symbol == ""
}

// Covers reports whether a row at (ts, symbol) sorts at or before the cursor,
// meaning it has already been handled.
func (c SyncCursor) Covers(ts time.Time, symbol string) bool {
	if ts.Before(c.Timestamp) {
		return true
	}
	if ts.After(c.Timestamp) {
		return false
	}
	return symbol <= c.Symbol
}

// SyncJobStats summarises one pipeline run. The value is owned by the run that
// produced it; there is no shared mutable counter state.
type SyncJobStats struct {
	Table      string    `json:"table"`
	Collection string    `json:"collection"`
	Processed  int       `json:"processed"`
	Synced     int       `json:"synced"`
	Failed     int       `json:"failed"`
	Dropped    int       `json:"dropped"`
	StartTime  time.Time `json:"start_time"`
	LastTime   time.Time `json:"last_time"`
}
