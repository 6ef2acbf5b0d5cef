package feedback

import (
	"github.com/emersion/go-message/mail"

	"github.com/ignite/mailflow/internal/domain"
)

// ParseUnsubscribe handles a mail sent to a List-Unsubscribe mailto
// address. The body is ignored; only the addressing matters.
func (p *Parser) ParseUnsubscribe(raw []byte, envelopeTo string) (*Event, error) {
	e, err := readEntity(raw)
	if err != nil {
		return nil, reject(SourceUnsubscribe, ErrNotUnsubscribe, "unreadable message: %v", err)
	}
	header := mail.Header{Header: e.Header}

	candidates := []string{envelopeTo, header.Get("X-Original-To"), header.Get("Delivered-To"), header.Get("To")}
	var identifier string
	for _, c := range candidates {
		addr := firstAddress(c)
		if addr == "" {
			continue
		}
		if a, err := p.grammar.ParseUnsubscribe(addr); err == nil {
			identifier = a.Identifier
			break
		}
	}
	if identifier == "" {
		return nil, reject(SourceUnsubscribe, ErrNotUnsubscribe, "no unsubscribe address found")
	}

	return &Event{
		Kind:       KindUnsubscribe,
		Source:     SourceUnsubscribe,
		Identifier: identifier,
		Recipient:  domain.NormalizeAddress(firstAddress(header.Get("From"))),
		Timestamp:  p.resolveTimestamp(header),
	}, nil
}
