package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// EntryState is the lifecycle state of an audit entry. Entries only move forward:
// active -> archived -> deleted.
type EntryState string

const (
	EntryStateActive   EntryState = "active"
	EntryStateArchived EntryState = "archived"
	EntryStateDeleted  EntryState = "deleted"
)

// ValidTransition checks if a lifecycle transition is allowed.
// Active entries may also be deleted directly when their policy has archival disabled.
func (s EntryState) ValidTransition(to EntryState) bool {
	switch s {
	case EntryStateActive:
		return to == EntryStateArchived || to == EntryStateDeleted
	case EntryStateArchived:
		return to == EntryStateDeleted
	default:
		return false
	}
}

type GeoLocation struct {
	Country string `json:"country,omitempty" cbor:"country,omitempty"`
	Region  string `json:"region,omitempty" cbor:"region,omitempty"`
	City    string `json:"city,omitempty" cbor:"city,omitempty"`
}

// AuditLogEntry is one record of the hash-chained audit ledger. Once appended it is
// never mutated; corrections are new entries carrying CorrectsID.
type AuditLogEntry struct {
	ID           uuid.UUID         `json:"id" cbor:"id"`
	Sequence     int64             `json:"sequence" cbor:"sequence"`
	Timestamp    time.Time         `json:"timestamp" cbor:"timestamp"`
	ActorID      string            `json:"actor_id,omitempty" cbor:"actor_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty" cbor:"session_id,omitempty"`
	Action       string            `json:"action" cbor:"action"`
	ResourceType string            `json:"resource_type" cbor:"resource_type"`
	ResourceID   string            `json:"resource_id,omitempty" cbor:"resource_id,omitempty"`
	Outcome      Outcome           `json:"outcome" cbor:"outcome"`
	IPAddress    string            `json:"ip_address" cbor:"ip_address"`
	GeoLocation  *GeoLocation      `json:"geo_location,omitempty" cbor:"geo_location,omitempty"`
	Details      map[string]string `json:"details,omitempty" cbor:"details,omitempty"`
	CorrectsID   *uuid.UUID        `json:"corrects_id,omitempty" cbor:"corrects_id,omitempty"`
	PreviousHash string            `json:"previous_hash" cbor:"previous_hash"`
	Hash         string            `json:"hash" cbor:"hash"`
}

// AuditFilter narrows a ledger query. Zero-valued fields are ignored; the
// remaining ones must all match.
type AuditFilter struct {
	ActorID      string
	Action       string
	ResourceType string
	IPAddress    string
	From         time.Time
	To           time.Time
}

type Page struct {
	Limit  int
	Offset int
}

// VerifyReport summarizes a chain verification pass. Invalid entries are
// reported, never repaired.
type VerifyReport struct {
	Total      int         `json:"total"`
	Verified   int         `json:"verified"`
	Invalid    int         `json:"invalid"`
	InvalidIDs []uuid.UUID `json:"invalid_ids,omitempty"`
	LastHash   string      `json:"last_hash,omitempty"`
}

// AuditRecorder is the write side of the ledger used by request-path services.
type AuditRecorder interface {
	Append(ctx context.Context, entry *AuditLogEntry) (*AuditLogEntry, error)
}
