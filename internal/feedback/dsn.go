package feedback

import (
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/ignite/mailflow/internal/domain"
	"github.com/ignite/mailflow/internal/pkg/logger"
)

// ParseDSN parses an RFC 3464 delivery status notification. envelopeTo is
// the address the report was delivered to, normally the VERP return path
// of the original mail; when empty the To header and the embedded original
// message are searched instead.
func (p *Parser) ParseDSN(raw []byte, envelopeTo string) (*Event, error) {
	e, err := readEntity(raw)
	if err != nil {
		return nil, reject(SourceDSN, ErrInvalidDSN, "unreadable message: %v", err)
	}
	parts, err := leaves(e)
	if err != nil {
		return nil, reject(SourceDSN, ErrInvalidDSN, "unreadable parts: %v", err)
	}
	report := findPart(parts, "message/delivery-status", "message/global-delivery-status")
	if report == nil {
		return nil, reject(SourceDSN, ErrInvalidDSN, "no delivery-status part")
	}
	blocks, err := fieldBlocks(report.body)
	if err != nil || len(blocks) == 0 {
		return nil, reject(SourceDSN, ErrInvalidDSN, "unreadable delivery-status fields")
	}

	perMessage := blocks[0]
	perRecipient, ok := recipientBlock(blocks)
	if !ok {
		return nil, reject(SourceDSN, ErrInvalidDSN, "missing Final-Recipient")
	}
	finalRecipient := typedValue(perRecipient.Get("Final-Recipient"))
	code := strings.Fields(perRecipient.Get("Status"))
	if len(code) == 0 {
		return nil, reject(SourceDSN, ErrInvalidDSN, "missing Status")
	}
	statusCode := code[0]

	var status domain.Status
	if strings.EqualFold(strings.TrimSpace(perRecipient.Get("Action")), "delayed") {
		status = domain.StatusDelayed
	} else if status, ok = statusFromCode(statusCode); !ok {
		return nil, reject(SourceDSN, ErrInvalidDSN, "unsupported status class %q", statusCode)
	}

	header := mail.Header{Header: e.Header}
	original, _ := originalHeader(parts)
	identifier, err := p.returnPathIdentifier(SourceDSN, envelopeTo, header, original)
	if err != nil {
		return nil, err
	}

	diagnostic := collapse(perRecipient.Get("Diagnostic-Code"))
	smtpCode := SMTPCode(diagnostic)
	if smtpCode == "" && diagnostic != "" {
		logger.Debug("dsn diagnostic without smtp code", "identifier", identifier, "diagnostic", diagnostic)
	}

	ts := p.resolveTimestamp(header,
		perMessage.Get("Arrival-Date"),
		perRecipient.Get("Last-Attempt-Date"))

	return &Event{
		Kind:       KindStatus,
		Source:     SourceDSN,
		Identifier: identifier,
		Recipient:  domain.NormalizeAddress(finalRecipient),
		Timestamp:  ts,
		SMTPCode:   smtpCode,
		Detail:     diagnostic,
		Update: domain.StatusUpdate{
			Identifier:     identifier,
			Status:         status,
			StatusCode:     statusCode,
			RawMessage:     diagnostic,
			Timestamp:      ts,
			SourceHostname: typedValue(firstNonEmpty(perRecipient.Get("Remote-MTA"), perMessage.Get("Reporting-MTA"))),
		},
	}, nil
}

// recipientBlock returns the first block naming a Final-Recipient. Some
// MTAs emit a single block holding both message and recipient fields.
func recipientBlock(blocks []textproto.Header) (textproto.Header, bool) {
	for _, b := range blocks {
		if typedValue(b.Get("Final-Recipient")) != "" {
			return b, true
		}
	}
	return textproto.Header{}, false
}

// returnPathIdentifier finds the first return-path address among the
// candidates and returns its Mail identifier.
func (p *Parser) returnPathIdentifier(src Source, envelopeTo string, header, original mail.Header, extra ...string) (string, error) {
	candidates := append([]string{envelopeTo}, extra...)
	candidates = append(candidates,
		header.Get("X-Original-To"),
		header.Get("Delivered-To"),
		header.Get("To"),
		original.Get("Return-Path"),
		original.Get("X-Original-Return-Path"),
	)
	for _, c := range candidates {
		addr := firstAddress(c)
		if addr == "" {
			continue
		}
		if a, err := p.grammar.ParseReturnPath(addr); err == nil {
			return a.Identifier, nil
		}
	}
	return "", reject(src, ErrInvalidAddress, "no return-path address found")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
