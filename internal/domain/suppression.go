package domain

import (
	"strings"
	"time"
)

// SuppressionOrigin indicates where a suppression signal came from.
type SuppressionOrigin string

const (
	OriginWeb          SuppressionOrigin = "web"
	OriginMail         SuppressionOrigin = "mail"
	OriginFeedbackLoop SuppressionOrigin = "feedback_loop"
	OriginBounce       SuppressionOrigin = "bounce"
	OriginAPI          SuppressionOrigin = "api"
	OriginAbuse        SuppressionOrigin = "abuse"
)

// SuppressionEntry is a permanent do-not-send record (an opt-out).
type SuppressionEntry struct {
	ID         int64             `json:"-" db:"id"`
	Address    string            `json:"address" db:"address"`
	Identifier string            `json:"identifier" db:"identifier"`
	Origin     SuppressionOrigin `json:"origin" db:"origin"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`

	// Scope of the opt-out. An empty Category means organization-wide.
	OrganizationID string `json:"organization_id,omitempty" db:"organization_id"`
	Category       string `json:"category,omitempty" db:"category"`
}

// NormalizeAddress lowercases and trims an email address for comparisons.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Scope is the category/organization a Mail is sent under.
type Scope struct {
	OrganizationID string
	Category       string
	ExternalOptout bool
}

// Applies reports whether the suppression entry blocks a mail sent under
// scope. Bounce-policy entries apply everywhere. Opt-outs are ignored when
// the scope manages them externally; otherwise they apply within the same
// category, or organization-wide when recorded without a category.
func (e SuppressionEntry) Applies(scope Scope) bool {
	if e.Origin == OriginBounce {
		return true
	}
	if scope.ExternalOptout {
		return false
	}
	if e.Category != "" {
		return e.Category == scope.Category
	}
	return e.OrganizationID == scope.OrganizationID
}
