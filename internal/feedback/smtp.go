package feedback

import (
	"time"

	"github.com/ignite/mailflow/internal/domain"
)

// SMTPReply is the outcome of a delivery attempt as reported by the
// sending worker.
type SMTPReply struct {
	Identifier     string        `json:"identifier"`
	Status         domain.Status `json:"status"`
	Reply          string        `json:"reply"`
	Timestamp      time.Time     `json:"timestamp"`
	SourceIP       string        `json:"source_ip,omitempty"`
	SourceHostname string        `json:"source_hostname,omitempty"`
}

// ParseSMTPReply validates a worker reply and extracts its enhanced status
// code, defaulting to UnknownCode.
func (p *Parser) ParseSMTPReply(r SMTPReply) (*Event, error) {
	switch r.Status {
	case domain.StatusDelivered, domain.StatusBounced, domain.StatusDropped, domain.StatusDelayed:
	default:
		return nil, reject(SourceSMTP, ErrInvalidReply, "unsupported status %q", r.Status)
	}
	if _, _, err := domain.SplitIdentifier(r.Identifier); err != nil {
		return nil, reject(SourceSMTP, ErrInvalidAddress, "bad identifier %q", r.Identifier)
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	ts = ts.UTC()
	reply := collapse(r.Reply)

	return &Event{
		Kind:       KindStatus,
		Source:     SourceSMTP,
		Identifier: r.Identifier,
		Timestamp:  ts,
		SMTPCode:   SMTPCode(reply),
		Detail:     reply,
		Update: domain.StatusUpdate{
			Identifier:     r.Identifier,
			Status:         r.Status,
			StatusCode:     ESMTPCode(reply),
			RawMessage:     reply,
			Timestamp:      ts,
			SourceIP:       r.SourceIP,
			SourceHostname: r.SourceHostname,
		},
	}, nil
}
