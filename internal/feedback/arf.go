package feedback

import (
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/ignite/mailflow/internal/domain"
)

// ParseARF parses an RFC 5965 feedback loop report. The Mail identifier is
// taken from the Original-Mail-From field or the Return-Path of the
// embedded original message, falling back to envelopeTo.
func (p *Parser) ParseARF(raw []byte, envelopeTo string) (*Event, error) {
	e, err := readEntity(raw)
	if err != nil {
		return nil, reject(SourceARF, ErrInvalidARF, "unreadable message: %v", err)
	}
	parts, err := leaves(e)
	if err != nil {
		return nil, reject(SourceARF, ErrInvalidARF, "unreadable parts: %v", err)
	}
	report := findPart(parts, "message/feedback-report")
	if report == nil {
		return nil, reject(SourceARF, ErrInvalidARF, "no feedback-report part")
	}
	blocks, err := fieldBlocks(report.body)
	if err != nil || len(blocks) == 0 {
		return nil, reject(SourceARF, ErrInvalidARF, "unreadable feedback-report fields")
	}
	fields := blocks[0]
	feedbackType := strings.ToLower(strings.TrimSpace(fields.Get("Feedback-Type")))
	if feedbackType == "" {
		return nil, reject(SourceARF, ErrInvalidARF, "missing Feedback-Type")
	}

	header := mail.Header{Header: e.Header}
	original, _ := originalHeader(parts)

	// The report is usually addressed to a fixed FBL mailbox, so the
	// original envelope sender is tried before the report's own recipient.
	identifier, err := p.returnPathIdentifier(SourceARF, "", mail.Header{}, original,
		fields.Get("Original-Mail-From"))
	if err != nil {
		identifier, err = p.returnPathIdentifier(SourceARF, envelopeTo, header, mail.Header{})
		if err != nil {
			return nil, err
		}
	}

	recipient := firstAddress(fields.Get("Original-Rcpt-To"))
	if recipient == "" {
		recipient = firstAddress(original.Get("To"))
	}

	return &Event{
		Kind:       KindFeedbackLoop,
		Source:     SourceARF,
		Identifier: identifier,
		Recipient:  domain.NormalizeAddress(recipient),
		Timestamp:  p.resolveTimestamp(header, fields.Get("Arrival-Date"), fields.Get("Received-Date")),
		Detail:     feedbackType,
	}, nil
}
