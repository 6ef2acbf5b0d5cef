package feedback

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ignite/mailflow/internal/domain"
)

// AcctRecord is one PowerMTA accounting line. Only the columns used for
// status tracking are kept.
type AcctRecord struct {
	Type       string
	TimeLogged time.Time
	Orig       string
	Rcpt       string
	DSNAction  string
	DSNStatus  string
	DSNDiag    string
	DSNMTA     string
	SourceIP   string
	VMTA       string
	MailID     string
}

// Header column carrying the Mail identifier when the MTA is configured to
// record it.
const acctIdentifierColumn = "header_X-Mail-Identifier"

var acctTimeLayouts = []string{
	"2006-01-02 15:04:05-0700",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// AcctParser reads PowerMTA accounting CSV:
//
//	#type,timeLogged,orig,rcpt,orcpt,dsnAction,dsnStatus,dsnDiag,dsnMTA,...
//
// A "#type," comment line defines column names; without one the fixed
// leading columns type,timeLogged,orig,rcpt are assumed.
type AcctParser struct {
	headerMap  map[string]int
	positional bool
}

// NewAcctParser returns a parser with no column header yet.
func NewAcctParser() *AcctParser {
	return &AcctParser{}
}

// ParseReader reads every record from r. Malformed lines are skipped and
// counted; an I/O error stops the scan.
func (p *AcctParser) ParseReader(r io.Reader) ([]AcctRecord, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	var (
		records []AcctRecord
		skipped int
	)
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				skipped++
				continue
			}
			return records, skipped, fmt.Errorf("read accounting data: %w", err)
		}
		if len(fields) == 0 || strings.TrimSpace(strings.Join(fields, "")) == "" {
			continue
		}
		if strings.HasPrefix(fields[0], "#") {
			if strings.EqualFold(strings.TrimPrefix(fields[0], "#"), "type") {
				fields[0] = "type"
				p.parseHeader(fields)
				p.positional = false
			}
			continue
		}
		rec, err := p.parseFields(fields)
		if err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

func (p *AcctParser) parseHeader(fields []string) {
	p.headerMap = make(map[string]int, len(fields))
	for i, f := range fields {
		p.headerMap[strings.TrimSpace(f)] = i
	}
}

func (p *AcctParser) field(fields []string, name string) string {
	idx, ok := p.headerMap[name]
	if !ok || idx >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[idx])
}

func (p *AcctParser) parseFields(fields []string) (AcctRecord, error) {
	if p.headerMap == nil {
		p.parseHeader([]string{"type", "timeLogged", "orig", "rcpt"})
		p.positional = true
	}
	if p.positional && len(fields) < 4 {
		return AcctRecord{}, fmt.Errorf("too few fields: %d", len(fields))
	}
	rec := AcctRecord{
		Type:      strings.ToLower(p.field(fields, "type")),
		Orig:      p.field(fields, "orig"),
		Rcpt:      p.field(fields, "rcpt"),
		DSNAction: p.field(fields, "dsnAction"),
		DSNStatus: p.field(fields, "dsnStatus"),
		DSNDiag:   p.field(fields, "dsnDiag"),
		DSNMTA:    p.field(fields, "dsnMTA"),
		SourceIP:  p.field(fields, "dlvSourceIp"),
		VMTA:      p.field(fields, "vmta"),
		MailID:    p.field(fields, acctIdentifierColumn),
	}
	if rec.Type == "" {
		return AcctRecord{}, fmt.Errorf("missing record type")
	}
	raw := p.field(fields, "timeLogged")
	for _, layout := range acctTimeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			rec.TimeLogged = ts.UTC()
			break
		}
	}
	return rec, nil
}

// ParseAccounting converts accounting records into events. Records that do
// not describe a tracked mail are returned as rejections next to the
// events that could be built.
func (p *Parser) ParseAccounting(r io.Reader) ([]*Event, []error, error) {
	records, skipped, err := NewAcctParser().ParseReader(r)
	if err != nil {
		return nil, nil, err
	}
	var (
		events     []*Event
		rejections []error
	)
	for i := 0; i < skipped; i++ {
		rejections = append(rejections, reject(SourcePMTA, ErrInvalidRecord, "malformed line"))
	}
	for _, rec := range records {
		ev, err := p.accountingEvent(rec)
		if err != nil {
			rejections = append(rejections, err)
			continue
		}
		events = append(events, ev)
	}
	return events, rejections, nil
}

func (p *Parser) accountingEvent(rec AcctRecord) (*Event, error) {
	identifier := rec.MailID
	if _, _, err := domain.SplitIdentifier(identifier); err != nil {
		a, perr := p.grammar.ParseReturnPath(rec.Orig)
		if perr != nil {
			return nil, reject(SourcePMTA, ErrInvalidAddress, "no identifier for %s record", rec.Type)
		}
		identifier = a.Identifier
	}
	ts := rec.TimeLogged
	if ts.IsZero() {
		ts = p.now().UTC()
	}
	diag := collapse(rec.DSNDiag)

	ev := &Event{
		Source:     SourcePMTA,
		Identifier: identifier,
		Recipient:  domain.NormalizeAddress(rec.Rcpt),
		Timestamp:  ts,
		SMTPCode:   SMTPCode(diag),
		Detail:     diag,
	}

	var status domain.Status
	switch rec.Type {
	case "d":
		status = domain.StatusDelivered
	case "b", "rb":
		status = domain.StatusBounced
		if strings.HasPrefix(rec.DSNStatus, "4") {
			status = domain.StatusDropped
		}
	case "t":
		status = domain.StatusDelayed
	case "f":
		ev.Kind = KindFeedbackLoop
		return ev, nil
	default:
		return nil, reject(SourcePMTA, ErrInvalidRecord, "unsupported record type %q", rec.Type)
	}

	code := rec.DSNStatus
	if code == "" {
		code = ESMTPCode(diag)
	}
	ev.Kind = KindStatus
	ev.Update = domain.StatusUpdate{
		Identifier:     identifier,
		Status:         status,
		StatusCode:     code,
		RawMessage:     diag,
		Timestamp:      ts,
		SourceIP:       rec.SourceIP,
		SourceHostname: typedValue(rec.DSNMTA),
	}
	return ev, nil
}
