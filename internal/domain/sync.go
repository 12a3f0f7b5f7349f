package domain

import (
	"fmt"
	"time"
)

// SyncStatus is the reconciliation state of a record shared with the external service.
type SyncStatus string

const (
	// SyncStatusUnset is the status of rows written before sync tracking existed.
	// It is treated like pending.
	SyncStatusUnset   SyncStatus = ""
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

// NeedsSync reports whether a record in this state is eligible for a push.
func (s SyncStatus) NeedsSync() bool {
	return s == SyncStatusUnset || s == SyncStatusPending || s == SyncStatusError
}

// SyncState is the bookkeeping every syncable record carries.
// Status synced implies ExternalID is set and SyncError is empty.
type SyncState struct {
	ExternalID      string     `json:"externalId,omitempty"`
	Status          SyncStatus `json:"syncStatus"`
	LastSyncAt      *time.Time `json:"lastSyncAt,omitempty"`
	LastSyncAttempt *time.Time `json:"lastSyncAttempt,omitempty"`
	SyncError       string     `json:"syncError,omitempty"`
}

// MarkSynced records a successful reconciliation against externalID.
func (s *SyncState) MarkSynced(externalID string, now time.Time) {
	if externalID != "" {
		s.ExternalID = externalID
	}
	s.Status = SyncStatusSynced
	s.SyncError = ""
	s.LastSyncAt = &now
	s.LastSyncAttempt = &now
}

// MarkFailed records a failed reconciliation. The external id is kept so
// the next attempt updates instead of creating.
func (s *SyncState) MarkFailed(msg string, now time.Time) {
	s.Status = SyncStatusError
	s.SyncError = msg
	s.LastSyncAttempt = &now
}

// MarkPending flags the record for the next sync cycle.
func (s *SyncState) MarkPending() {
	s.Status = SyncStatusPending
}

// Direction selects which way a single-entity sync moves data.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
	DirectionBoth Direction = "both"
)

// ParseDirection validates a direction name. Empty means both.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "":
		return DirectionBoth, nil
	case DirectionPush, DirectionPull, DirectionBoth:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("invalid sync direction %q (want push, pull or both)", s)
	}
}

// Pushes reports whether the direction includes local to remote.
func (d Direction) Pushes() bool { return d == DirectionPush || d == DirectionBoth }

// Pulls reports whether the direction includes remote to local.
func (d Direction) Pulls() bool { return d == DirectionPull || d == DirectionBoth }

// Kind names an entity type for cache keys and metrics labels.
type Kind string

const (
	KindAgent        Kind = "agent"
	KindConversation Kind = "conversation"
)

// Plural returns the list form used in list cache keys.
func (k Kind) Plural() string { return string(k) + "s" }
