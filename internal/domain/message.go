package domain

import "time"

// MessageStatus enumerates the lifecycle states of a campaign Message.
type MessageStatus string

const (
	MessageNew       MessageStatus = "new"
	MessageApproved  MessageStatus = "approved"
	MessageHasIssues MessageStatus = "has_issues"
	MessageSending   MessageStatus = "sending"
	MessageSent      MessageStatus = "sent"
)

// Message is a campaign: the aggregate root owning a collection of Mails.
type Message struct {
	ID             string        `json:"id" db:"id"`
	OrganizationID string        `json:"organization_id" db:"organization_id"`
	Category       string        `json:"category,omitempty" db:"category"`
	Name           string        `json:"name" db:"name"`
	Status         MessageStatus `json:"status" db:"status"`

	// ExternalOptout means opt-outs are managed outside mailflow: only
	// bounce-policy suppressions exclude recipients of this message.
	ExternalOptout bool `json:"external_optout" db:"external_optout"`

	SendingDate    *time.Time `json:"sending_date,omitempty" db:"sending_date"`
	CompletionDate *time.Time `json:"completion_date,omitempty" db:"completion_date"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// IsTerminal returns true if the message has finished sending.
func (m *Message) IsTerminal() bool {
	return m.Status == MessageSent
}

// MailBatch groups transactional mails. It has no status of its own.
type MailBatch struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	Category       string    `json:"category,omitempty" db:"category"`
	Name           string    `json:"name" db:"name"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// NotificationEvent names a message lifecycle notification.
type NotificationEvent string

const (
	EventSendingStarted   NotificationEvent = "sending_started"
	EventSendingCompleted NotificationEvent = "sending_completed"
)

// Notification is an outbox entry waiting to be delivered to the
// notification collaborator.
type Notification struct {
	ID          int64             `json:"id" db:"id"`
	MessageID   string            `json:"message_id" db:"message_id"`
	Event       NotificationEvent `json:"event" db:"event"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty" db:"delivered_at"`
	Attempts    int               `json:"attempts" db:"attempts"`
	LastError   string            `json:"last_error,omitempty" db:"last_error"`
}
