// Package models defines the persistent entities shared across the
// ingestion, parsing, retention, and auth subsystems.
package models

import "time"

// Role is a Principal's authorization level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal is an authenticated acting identity (end user or administrator).
type Principal struct {
	ID            string     `json:"id"`
	Handle        string     `json:"handle"`
	Email         string     `json:"email"`
	Role          Role       `json:"role"`
	PasswordHash  string     `json:"-"`
	QuotaBytes    int64      `json:"quota_bytes"`
	UsedBytes     int64      `json:"used_bytes"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	QuotaOverride bool       `json:"quota_override,omitempty"`
}

// Session is a server-side record backing a bearer token.
type Session struct {
	ID               string    `json:"id"`
	PrincipalID      string    `json:"principal_id"`
	TokenFingerprint string    `json:"-"`
	ExpiresAt        time.Time `json:"expires_at"`
	IssuedIP         string    `json:"issued_ip"`
	UserAgent        string    `json:"user_agent"`
	CreatedAt        time.Time `json:"created_at"`
}

// OutputShape is the closed set of parser post-processing variants.
type OutputShape string

const (
	OutputShapeCSV             OutputShape = "csv"
	OutputShapeKeyValue        OutputShape = "key_value"
	OutputShapeFreeText        OutputShape = "free_text"
	OutputShapeStructuredBlock OutputShape = "structured_blocks"
)

// ParserDescriptor is a registered parser mode.
type ParserDescriptor struct {
	ModeKey        string      `json:"mode_key"`
	DisplayName    string      `json:"display_name"`
	Description    string      `json:"description"`
	Enabled        bool        `json:"enabled"`
	VisibleToUsers bool        `json:"visible_to_users"`
	AdminOnly      bool        `json:"admin_only"`
	OutputShape    OutputShape `json:"output_shape"`
	BinaryPath     string      `json:"-"`
	ArgsTemplate   []string    `json:"-"`
	Timeout        time.Duration `json:"-"`
}

// ParserPermission overrides a descriptor's visibility for one principal.
type ParserPermission struct {
	PrincipalID string `json:"principal_id"`
	ModeKey     string `json:"mode_key"`
	Allow       bool   `json:"allow"`
}

// LogFile is an uploaded archive owned by a Principal.
type LogFile struct {
	ID             string     `json:"id"`
	PrincipalID    string     `json:"principal_id"`
	StoredPath     *string    `json:"stored_path,omitempty"`
	OriginalName   string     `json:"original_name"`
	SizeBytes      int64      `json:"size_bytes"`
	ContentSHA256  string     `json:"content_sha256"`
	Pinned         bool       `json:"pinned"`
	CreatedAt      time.Time  `json:"created_at"`
	SoftDeletedAt  *time.Time `json:"soft_deleted_at,omitempty"`
	HardDeletedAt  *time.Time `json:"hard_deleted_at,omitempty"`
}

// AnalysisStatus is the Analysis state machine's states.
type AnalysisStatus string

const (
	StatusPending   AnalysisStatus = "pending"
	StatusRunning   AnalysisStatus = "running"
	StatusCompleted AnalysisStatus = "completed"
	StatusFailed    AnalysisStatus = "failed"
	StatusCancelled AnalysisStatus = "cancelled"
)

// Analysis is one parse request against a LogFile, possibly multi-mode.
type Analysis struct {
	ID              string         `json:"id"`
	PrincipalID     string         `json:"principal_id"`
	LogFileID       string         `json:"log_file_id"`
	ModeKeys        []string       `json:"mode_keys"`
	Timezone        string         `json:"timezone"`
	WindowStart     *time.Time     `json:"window_start,omitempty"`
	WindowEnd       *time.Time     `json:"window_end,omitempty"`
	Status          AnalysisStatus `json:"status"`
	ProgressPct     int            `json:"progress_pct"`
	CancelRequested bool           `json:"-"`
	SourceDeleted   bool           `json:"source_deleted"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	DurationMs      *int64         `json:"duration_ms,omitempty"`
	ErrorKind       string         `json:"error_kind,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	SessionLabel    string         `json:"session_label,omitempty"`
	ExternalRef     string         `json:"external_ref,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// AnalysisResult is one mode's outcome within an Analysis.
type AnalysisResult struct {
	AnalysisID         string    `json:"analysis_id"`
	ModeKey            string    `json:"mode_key"`
	RawTextRef         *string   `json:"raw_text_ref,omitempty"`
	StructuredPayload  string    `json:"structured_payload"` // JSON-encoded
	SchemaVersion      int       `json:"schema_version"`
	Outcome            string    `json:"outcome"` // completed|failed
	Warnings           []string  `json:"warnings,omitempty"`
	ProducedAt         time.Time `json:"produced_at"`
}

// RetentionScope selects the precedence level of a RetentionPolicy.
type RetentionScope string

const (
	ScopeGlobal    RetentionScope = "global"
	ScopePrincipal RetentionScope = "principal"
	ScopeRole      RetentionScope = "role"
)

// RetentionPolicy governs soft/hard deletion sweeps.
type RetentionPolicy struct {
	Scope             RetentionScope `json:"scope" yaml:"scope"`
	ScopeID           string         `json:"scope_id,omitempty" yaml:"scope_id,omitempty"`
	SoftAfterDays     int            `json:"soft_after_days" yaml:"soft_after_days"`
	HardAfterSoftDays int            `json:"hard_after_soft_days" yaml:"hard_after_soft_days"`
}

// AuditOutcome distinguishes successful from failed audited actions.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
)

// AuditEvent is an append-only log row.
type AuditEvent struct {
	ID          int64        `json:"id"`
	PrincipalID *string      `json:"principal_id,omitempty"`
	At          time.Time    `json:"at"`
	Action      string       `json:"action"`
	EntityKind  string       `json:"entity_kind,omitempty"`
	EntityID    string       `json:"entity_id,omitempty"`
	IP          string       `json:"ip"`
	Geo         string       `json:"geo,omitempty"`
	UserAgent   string       `json:"user_agent"`
	Outcome     AuditOutcome `json:"outcome"`
	DetailJSON  string       `json:"detail_json,omitempty"`
	RequestID   string       `json:"request_id,omitempty"`
}
