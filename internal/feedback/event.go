package feedback

import (
	"regexp"
	"strings"
	"time"

	"github.com/ignite/mailflow/internal/address"
	"github.com/ignite/mailflow/internal/domain"
)

// Kind tells the ingestion layer what to do with an Event.
type Kind string

const (
	// KindStatus carries a StatusUpdate for the Mail state machine.
	KindStatus Kind = "status"
	// KindFeedbackLoop creates a feedback-loop suppression.
	KindFeedbackLoop Kind = "feedback_loop"
	// KindUnsubscribe creates or refreshes a mail-reply suppression.
	KindUnsubscribe Kind = "unsubscribe"
)

// Source names the artifact an Event was parsed from.
type Source string

const (
	SourceDSN         Source = "dsn"
	SourceARF         Source = "arf"
	SourceSMTP        Source = "smtp"
	SourceUnsubscribe Source = "unsubscribe"
	SourcePMTA        Source = "pmta"
)

// Event is the canonical result of parsing one feedback artifact.
type Event struct {
	Kind       Kind
	Source     Source
	Identifier string
	// Recipient is the address the feedback names (Final-Recipient,
	// Original-Rcpt-To, ...). It may be empty.
	Recipient string
	Timestamp time.Time
	// Update is set for KindStatus events.
	Update domain.StatusUpdate
	// SMTPCode is the three digit reply code found in the diagnostic, if any.
	SMTPCode string
	// Detail is free-form diagnostic text (feedback type, diagnostic code).
	Detail string
}

// Parser holds the deployment-specific address grammar.
type Parser struct {
	grammar address.Grammar
	now     func() time.Time
}

// NewParser creates a parser for the given grammar.
func NewParser(g address.Grammar) *Parser {
	return &Parser{grammar: g, now: time.Now}
}

var (
	smtpCodeRe  = regexp.MustCompile(`smtp;\s*(\d{3})`)
	esmtpCodeRe = regexp.MustCompile(`\b([245]\.\d{1,3}\.\d{1,3})\b`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// UnknownCode is stored when no enhanced status code can be found.
const UnknownCode = "unknown"

// collapse folds line breaks and runs of whitespace into single spaces.
func collapse(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// SMTPCode extracts the plain reply code from a diagnostic such as
// "smtp; 550 5.1.1 user unknown".
func SMTPCode(diagnostic string) string {
	if m := smtpCodeRe.FindStringSubmatch(diagnostic); m != nil {
		return m[1]
	}
	return ""
}

// ESMTPCode extracts an RFC 3463 enhanced status code from reply text,
// returning UnknownCode when there is none.
func ESMTPCode(reply string) string {
	if m := esmtpCodeRe.FindStringSubmatch(reply); m != nil {
		return m[1]
	}
	return UnknownCode
}

// statusFromCode maps the class digit of an enhanced status code.
func statusFromCode(code string) (domain.Status, bool) {
	if code == "" {
		return "", false
	}
	switch code[0] {
	case '2':
		return domain.StatusDelivered, true
	case '4':
		return domain.StatusDropped, true
	case '5':
		return domain.StatusBounced, true
	}
	return "", false
}
