package domain

import "time"

type ReportType string

const (
	ReportPositive ReportType = "positive"
	ReportNegative ReportType = "negative"
)

// Severity of an externally reported IP incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type ReputationReport struct {
	Type   ReportType
	Reason string
	Weight float64
}

type IPReputationRecord struct {
	IP              string    `json:"ip"`
	Score           float64   `json:"score"`
	HistoryScore    float64   `json:"history_score"`
	Categories      []string  `json:"categories"`
	ReportCount     int64     `json:"report_count"`
	LastSeen        time.Time `json:"last_seen"`
	AbuseConfidence float64   `json:"abuse_confidence"`
	Whitelisted     bool      `json:"whitelisted"`
}
