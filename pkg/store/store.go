package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// CallStatus is the session-level call lifecycle, distinct from the SIP
// dialog states underneath it.
type CallStatus string

const (
	StatusQueued     CallStatus = "queued"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in_progress"
	StatusCompleted  CallStatus = "completed"
	StatusFailed     CallStatus = "failed"
)

// statusRank orders the lifecycle. Status updates are monotonic: a record
// never moves to a lower rank, and the two terminal states never change.
var statusRank = map[CallStatus]int{
	StatusQueued:     0,
	StatusRinging:    1,
	StatusInProgress: 2,
	StatusCompleted:  3,
	StatusFailed:     3,
}

// CanAdvance reports whether a record in status s may move to next.
func (s CallStatus) CanAdvance(next CallStatus) bool {
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	target, ok := statusRank[next]
	if !ok {
		return false
	}
	if s.Terminal() {
		return false
	}
	return target > cur
}

// Terminal reports whether the status is final.
func (s CallStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CallRecord is the durable view of one call session.
type CallRecord struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Target    string            `json:"target"`
	Status    CallStatus        `json:"status"`
	VoiceID   string            `json:"voice_id,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	StartedAt time.Time         `json:"started_at,omitempty"`
	EndedAt   time.Time         `json:"ended_at,omitempty"`
}

// CallStore persists call records.
type CallStore interface {
	SaveCall(ctx context.Context, rec *CallRecord) error
	GetCall(ctx context.Context, id string) (*CallRecord, error)
	ListActiveCalls(ctx context.Context) ([]*CallRecord, error)
	DeleteCall(ctx context.Context, id string) error
}

// CredentialStore persists per-tenant provider credentials.
type CredentialStore interface {
	SaveCredentials(ctx context.Context, tenantID string, creds *ProviderCredentials) error
	GetCredentials(ctx context.Context, tenantID string) (*ProviderCredentials, error)
}
