package domain

import "time"

// DefaultRetentionPolicyID names the policy that always exists.
const DefaultRetentionPolicyID = "default"

type RetentionPolicy struct {
	ID                 string `json:"id" yaml:"id"`
	ResourceType       string `json:"resource_type,omitempty" yaml:"resource_type"`
	Action             string `json:"action,omitempty" yaml:"action"`
	RetentionDays      int    `json:"retention_days" yaml:"retention_days"`
	ArchiveEnabled     bool   `json:"archive_enabled" yaml:"archive_enabled"`
	ArchiveAfterDays   int    `json:"archive_after_days,omitempty" yaml:"archive_after_days"`
	DeleteAfterArchive bool   `json:"delete_after_archive" yaml:"delete_after_archive"`
}

// Retention returns the retention period as a duration.
func (p *RetentionPolicy) Retention() time.Duration {
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

// ArchiveAfter returns the archival age as a duration.
func (p *RetentionPolicy) ArchiveAfter() time.Duration {
	return time.Duration(p.ArchiveAfterDays) * 24 * time.Hour
}

// ArchiveTTL is the time an archive bundle lives after archival:
// the retention left once the entry was archived.
func (p *RetentionPolicy) ArchiveTTL() time.Duration {
	return time.Duration(p.RetentionDays-p.ArchiveAfterDays) * 24 * time.Hour
}

type ArchiveBundle struct {
	Date    string           `json:"date"`
	Entries []*AuditLogEntry `json:"entries"`
	TTL     time.Duration    `json:"ttl"`
}

type MaintenanceResult struct {
	Archived int `json:"archived"`
	Deleted  int `json:"deleted"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

type IntegrityReport struct {
	Date         string `json:"date"`
	ValidCount   int    `json:"valid_count"`
	InvalidCount int    `json:"invalid_count"`
}

type RestoreResult struct {
	Date     string `json:"date"`
	Restored int    `json:"restored"`
	Skipped  int    `json:"skipped"`
	Errors   int    `json:"errors"`
}
