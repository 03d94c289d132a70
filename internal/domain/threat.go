package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ThreatType string

const (
	ThreatBotAttack             ThreatType = "bot_attack"
	ThreatVoteManipulation      ThreatType = "vote_manipulation"
	ThreatUnusualLoginTime      ThreatType = "unusual_login_time"
	ThreatUnusualLocation       ThreatType = "unusual_location"
	ThreatHighActivityFrequency ThreatType = "high_activity_frequency"
	ThreatSybilCluster          ThreatType = "sybil_cluster"
	ThreatMaliciousIP           ThreatType = "malicious_ip"
)

type ThreatLevel string

const (
	ThreatLevelInfo   ThreatLevel = "info"
	ThreatLevelLow    ThreatLevel = "low"
	ThreatLevelMedium ThreatLevel = "medium"
	ThreatLevelHigh   ThreatLevel = "high"
)

// Rank orders levels from info (0) to high (3). Unknown levels rank below info.
func (l ThreatLevel) Rank() int {
	switch l {
	case ThreatLevelInfo:
		return 0
	case ThreatLevelLow:
		return 1
	case ThreatLevelMedium:
		return 2
	case ThreatLevelHigh:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether l is as severe as min.
func (l ThreatLevel) AtLeast(minLevel ThreatLevel) bool {
	return l.Rank() >= minLevel.Rank()
}

// LevelForConfidence maps a confidence in [0,1] to a threat level:
// >0.9 high, >0.7 medium, >0.5 low, otherwise info.
func LevelForConfidence(confidence float64) ThreatLevel {
	switch {
	case confidence > 0.9:
		return ThreatLevelHigh
	case confidence > 0.7:
		return ThreatLevelMedium
	case confidence > 0.5:
		return ThreatLevelLow
	default:
		return ThreatLevelInfo
	}
}

type ThreatStatus string

const (
	ThreatStatusActive   ThreatStatus = "active"
	ThreatStatusResolved ThreatStatus = "resolved"
)

// FraudIndicator is one weak signal. Absence of signal is a zero confidence,
// never an error.
type FraudIndicator struct {
	Type        string         `json:"type"`
	Confidence  float64        `json:"confidence"`
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

type Threat struct {
	ID         uuid.UUID        `json:"id"`
	Type       ThreatType       `json:"type"`
	Level      ThreatLevel      `json:"level"`
	Source     string           `json:"source"`
	Target     string           `json:"target"`
	DetectedAt time.Time        `json:"detected_at"`
	Indicators []FraudIndicator `json:"indicators"`
	Status     ThreatStatus     `json:"status"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}

// NewThreat builds an active threat with a fresh id.
func NewThreat(typ ThreatType, level ThreatLevel, source, target string, at time.Time, indicators []FraudIndicator) *Threat {
	return &Threat{
		ID:         uuid.New(),
		Type:       typ,
		Level:      level,
		Source:     source,
		Target:     target,
		DetectedAt: at,
		Indicators: indicators,
		Status:     ThreatStatusActive,
	}
}

type ThreatRepository interface {
	Record(ctx context.Context, t *Threat) error
	GetByID(ctx context.Context, id uuid.UUID) (*Threat, error)
	ListActive(ctx context.Context, limit int) ([]*Threat, error)
	Resolve(ctx context.Context, id uuid.UUID, at time.Time) error
}
