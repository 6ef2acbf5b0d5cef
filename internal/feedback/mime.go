package feedback

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// maxPartSize bounds how much of a single MIME part is buffered.
const maxPartSize = 1 << 20

// readEntity parses raw as a MIME message. Unknown charsets are tolerated
// since report fields are ASCII.
func readEntity(raw []byte) (*message.Entity, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	return e, nil
}

// part is a buffered MIME leaf.
type part struct {
	mediaType string
	header    message.Header
	body      []byte
}

// leaves flattens e into its non-multipart parts, depth first.
func leaves(e *message.Entity) ([]part, error) {
	var out []part
	err := e.Walk(func(_ []int, ent *message.Entity, err error) error {
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				return nil
			}
			return err
		}
		mt, _, _ := ent.Header.ContentType()
		if strings.HasPrefix(mt, "multipart/") {
			return nil
		}
		body, err := io.ReadAll(io.LimitReader(ent.Body, maxPartSize))
		if err != nil {
			return err
		}
		out = append(out, part{mediaType: strings.ToLower(mt), header: ent.Header, body: body})
		return nil
	})
	return out, err
}

func findPart(parts []part, mediaTypes ...string) *part {
	for i := range parts {
		for _, mt := range mediaTypes {
			if parts[i].mediaType == mt {
				return &parts[i]
			}
		}
	}
	return nil
}

// fieldBlocks reads the blank-line separated header blocks of a
// message/delivery-status or message/feedback-report body.
func fieldBlocks(body []byte) ([]textproto.Header, error) {
	br := bufio.NewReader(bytes.NewReader(body))
	var blocks []textproto.Header
	for {
		if _, err := br.Peek(1); err != nil {
			return blocks, nil
		}
		h, err := textproto.ReadHeader(br)
		if h.Len() > 0 {
			blocks = append(blocks, h)
		}
		if errors.Is(err, io.EOF) {
			return blocks, nil
		}
		if err != nil {
			return blocks, err
		}
	}
}

// originalHeader parses the headers of an embedded original message
// (message/rfc822 or text/rfc822-headers).
func originalHeader(parts []part) (mail.Header, bool) {
	p := findPart(parts, "message/rfc822", "text/rfc822-headers", "message/global", "message/global-headers")
	if p == nil {
		return mail.Header{}, false
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(p.body)))
	if err != nil && !errors.Is(err, io.EOF) && h.Len() == 0 {
		return mail.Header{}, false
	}
	return mail.Header{Header: message.Header{Header: h}}, true
}

// typedValue strips an RFC 3464 address or name type ("rfc822; x@y").
func typedValue(v string) string {
	if i := strings.Index(v, ";"); i >= 0 {
		v = v[i+1:]
	}
	return strings.TrimSpace(v)
}

// firstAddress extracts a bare address from a header value that may carry
// a display name or angle brackets.
func firstAddress(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if list, err := netmail.ParseAddressList(v); err == nil && len(list) > 0 {
		return list[0].Address
	}
	return strings.TrimSuffix(strings.TrimPrefix(v, "<"), ">")
}

// parseDate accepts RFC 5322 dates as found in report fields.
func parseDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	t, err := netmail.ParseDate(v)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// resolveTimestamp applies the precedence report field, Date header, now.
func (p *Parser) resolveTimestamp(h mail.Header, reportFields ...string) time.Time {
	for _, f := range reportFields {
		if t, ok := parseDate(f); ok {
			return t
		}
	}
	if t, err := h.Date(); err == nil && !t.IsZero() {
		return t.UTC()
	}
	return p.now().UTC()
}
