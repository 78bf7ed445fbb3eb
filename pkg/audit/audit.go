// Package audit provides an append-only stream of security-relevant
// events: authentication outcomes, transfer lifecycle, configuration
// and admin actions. Events are persisted and mirrored to the
// structured log; searching and statistics are served elsewhere.
package audit

import (
	"context"
	"time"
)

// Category classifies an audit event.
type Category string

const (
	CategoryAuthentication Category = "AUTHENTICATION"
	CategoryAuthorization  Category = "AUTHORIZATION"
	CategoryTransfer       Category = "TRANSFER"
	CategoryConfiguration  Category = "CONFIGURATION"
	CategorySecurity       Category = "SECURITY"
	CategoryAdmin          Category = "ADMIN"
)

// Outcome of the audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeDenied  Outcome = "DENIED"
)

// Event is a single audit record. Optional fields stay empty/zero when
// not applicable.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Category  Category  `json:"category"`
	EventType string    `json:"event_type"`
	Outcome   Outcome   `json:"outcome"`

	Username         string `json:"username,omitempty"`
	PartnerID        string `json:"partner_id,omitempty"`
	ClientIP         string `json:"client_ip,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
	TransferID       string `json:"transfer_id,omitempty"`
	Filename         string `json:"filename,omitempty"`
	BytesTransferred int64  `json:"bytes_transferred,omitempty"`
	DurationMs       int64  `json:"duration_ms,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

// Sink accepts audit events. Implementations are safe for concurrent
// use; Record never blocks the protocol path on anything slower than a
// local commit.
type Sink interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// Nop is a Sink that discards everything. Used in tests and when
// auditing is disabled.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
func (Nop) Close() error                        { return nil }
