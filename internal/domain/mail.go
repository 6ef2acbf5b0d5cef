package domain

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SourceKind tells which pipeline produced a Mail.
type SourceKind string

const (
	SourceCampaign      SourceKind = "campaign"
	SourceTransactional SourceKind = "transactional"
)

// Prefix returns the one-letter identifier prefix of the source kind.
func (k SourceKind) Prefix() string {
	switch k {
	case SourceCampaign:
		return "c"
	case SourceTransactional:
		return "t"
	}
	return ""
}

// SourceKindFromPrefix is the inverse of SourceKind.Prefix.
func SourceKindFromPrefix(p byte) (SourceKind, bool) {
	switch p {
	case 'c':
		return SourceCampaign, true
	case 't':
		return SourceTransactional, true
	}
	return "", false
}

// NewIdentifier returns a fresh Mail identifier for the given source kind:
// the kind prefix followed by the unpadded base64url encoding of a UUID.
func NewIdentifier(kind SourceKind) string {
	return IdentifierFromUUID(kind, uuid.New())
}

// IdentifierFromUUID builds the identifier of kind for id.
func IdentifierFromUUID(kind SourceKind, id uuid.UUID) string {
	return kind.Prefix() + base64.RawURLEncoding.EncodeToString(id[:])
}

// SplitIdentifier decodes an identifier into its source kind and UUID.
func SplitIdentifier(identifier string) (SourceKind, uuid.UUID, error) {
	if len(identifier) != 23 {
		return "", uuid.Nil, fmt.Errorf("identifier %q: bad length %d", identifier, len(identifier))
	}
	kind, ok := SourceKindFromPrefix(identifier[0])
	if !ok {
		return "", uuid.Nil, fmt.Errorf("identifier %q: unknown source prefix", identifier)
	}
	raw, err := base64.RawURLEncoding.DecodeString(identifier[1:])
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("identifier %q: %w", identifier, err)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("identifier %q: %w", identifier, err)
	}
	return kind, id, nil
}

// Mail is one outbound message to one recipient.
//
// CurrentStatus, FirstStatusAt, LatestStatusAt, DeliveryDuration and
// HadDelay are denormalized from the MailStatus log.
type Mail struct {
	ID         int64      `json:"-" db:"id"`
	Identifier string     `json:"identifier" db:"identifier"`
	Kind       SourceKind `json:"kind" db:"kind"`
	Recipient  string     `json:"recipient" db:"recipient"`

	// ParentID references a Message for campaign mails or a MailBatch for
	// transactional mails. Empty for orphaned transactional sends.
	ParentID string `json:"parent_id,omitempty" db:"parent_id"`

	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	FirstStatusAt    *time.Time     `json:"first_status_at,omitempty" db:"first_status_at"`
	LatestStatusAt   *time.Time     `json:"latest_status_at,omitempty" db:"latest_status_at"`
	DeliveryDuration *time.Duration `json:"delivery_duration,omitempty" db:"delivery_duration"`
	HadDelay         bool           `json:"had_delay" db:"had_delay"`
	CurrentStatus    Status         `json:"current_status" db:"current_status"`

	// CurrentStatusAt is the event time of the status that set CurrentStatus.
	CurrentStatusAt *time.Time `json:"current_status_at,omitempty" db:"current_status_at"`
}

// IsTerminal returns true once the mail has reached a final state.
func (m *Mail) IsTerminal() bool {
	return m.CurrentStatus.IsFinal()
}

// HasParent reports whether the mail belongs to an aggregate.
func (m *Mail) HasParent() bool {
	return m.ParentID != ""
}

// MailStatus is one immutable observation of delivery state for a Mail.
type MailStatus struct {
	ID             int64     `json:"-" db:"id"`
	Identifier     string    `json:"identifier" db:"identifier"`
	Status         Status    `json:"status" db:"status"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	StatusCode     string    `json:"status_code,omitempty" db:"status_code"`
	SourceIP       string    `json:"source_ip,omitempty" db:"source_ip"`
	SourceHostname string    `json:"source_hostname,omitempty" db:"source_hostname"`
	RawMessage     string    `json:"raw_message,omitempty" db:"raw_message"`
}

// StatusUpdate is the canonical form of one external delivery event.
type StatusUpdate struct {
	Identifier     string    `json:"identifier"`
	Status         Status    `json:"status"`
	StatusCode     string    `json:"status_code,omitempty"`
	RawMessage     string    `json:"raw_message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	SourceIP       string    `json:"source_ip,omitempty"`
	SourceHostname string    `json:"source_hostname,omitempty"`
}

// ToMailStatus converts the update into the row appended to the log.
func (u StatusUpdate) ToMailStatus() MailStatus {
	return MailStatus{
		Identifier:     u.Identifier,
		Status:         u.Status,
		CreatedAt:      u.Timestamp,
		StatusCode:     u.StatusCode,
		SourceIP:       u.SourceIP,
		SourceHostname: u.SourceHostname,
		RawMessage:     u.RawMessage,
	}
}
