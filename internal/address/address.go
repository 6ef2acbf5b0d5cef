// Package address implements the VERP address grammar used to route
// delivery feedback back to the Mail it concerns:
//
//	<prefix>-<identifier>@<domain>
//
// where identifier is a Mail identifier (source kind letter followed by a
// base64url-encoded UUID). Two prefixes are in use: "return" for the
// envelope return path and "unsubscribe" for the List-Unsubscribe mailto.
package address

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ignite/mailflow/internal/domain"
)

// Well-known local-part prefixes.
const (
	PrefixReturn      = "return"
	PrefixUnsubscribe = "unsubscribe"
)

// ErrInvalid is returned for any address that does not follow the grammar.
var ErrInvalid = errors.New("address does not match prefix-<identifier>@<domain> grammar")

// Address is a parsed VERP address.
type Address struct {
	Prefix     string
	Identifier string
	Kind       domain.SourceKind
	UUID       uuid.UUID
	Domain     string
}

// String renders the address back to its wire form.
func (a Address) String() string {
	return a.Prefix + "-" + a.Identifier + "@" + a.Domain
}

// New builds the address for identifier. An empty identifier generates a
// fresh campaign identifier.
func New(prefix, identifier, domainName string) (string, error) {
	if identifier == "" {
		identifier = domain.NewIdentifier(domain.SourceCampaign)
	}
	if prefix == "" || strings.Contains(prefix, "-") {
		return "", fmt.Errorf("%w: bad prefix %q", ErrInvalid, prefix)
	}
	if domainName == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalid)
	}
	if _, _, err := domain.SplitIdentifier(identifier); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return prefix + "-" + identifier + "@" + strings.ToLower(domainName), nil
}

// Parse decodes addr. Angle brackets and surrounding whitespace are
// tolerated so that raw header values can be passed in directly.
func Parse(addr string) (Address, error) {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "<"), ">")

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return Address{}, ErrInvalid
	}
	local, host := addr[:at], addr[at+1:]

	// The identifier alphabet contains '-', so only the first dash splits.
	dash := strings.Index(local, "-")
	if dash <= 0 {
		return Address{}, ErrInvalid
	}
	prefix, identifier := strings.ToLower(local[:dash]), local[dash+1:]

	kind, id, err := domain.SplitIdentifier(identifier)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return Address{
		Prefix:     prefix,
		Identifier: identifier,
		Kind:       kind,
		UUID:       id,
		Domain:     strings.ToLower(host),
	}, nil
}

// IsValid reports whether addr follows the grammar.
func IsValid(addr string) bool {
	_, err := Parse(addr)
	return err == nil
}

// UUID returns the canonical UUID string embedded in addr.
func UUID(addr string) (string, error) {
	a, err := Parse(addr)
	if err != nil {
		return "", err
	}
	return a.UUID.String(), nil
}

// Grammar binds the prefixes and domain of one deployment.
type Grammar struct {
	Domain            string
	ReturnPrefix      string
	UnsubscribePrefix string
}

// DefaultGrammar uses the well-known prefixes for domainName.
func DefaultGrammar(domainName string) Grammar {
	return Grammar{Domain: domainName, ReturnPrefix: PrefixReturn, UnsubscribePrefix: PrefixUnsubscribe}
}

// ReturnPath returns the envelope sender for identifier.
func (g Grammar) ReturnPath(identifier string) (string, error) {
	return New(g.ReturnPrefix, identifier, g.Domain)
}

// Unsubscribe returns the mailto unsubscribe address for identifier.
func (g Grammar) Unsubscribe(identifier string) (string, error) {
	return New(g.UnsubscribePrefix, identifier, g.Domain)
}

// ParseReturnPath parses addr and checks it carries the return prefix and
// the grammar's domain.
func (g Grammar) ParseReturnPath(addr string) (Address, error) {
	return g.parseWithPrefix(addr, g.ReturnPrefix)
}

// ParseUnsubscribe parses addr and checks it carries the unsubscribe prefix
// and the grammar's domain.
func (g Grammar) ParseUnsubscribe(addr string) (Address, error) {
	return g.parseWithPrefix(addr, g.UnsubscribePrefix)
}

func (g Grammar) parseWithPrefix(addr, prefix string) (Address, error) {
	a, err := Parse(addr)
	if err != nil {
		return Address{}, err
	}
	if a.Prefix != strings.ToLower(prefix) {
		return Address{}, fmt.Errorf("%w: expected prefix %q, got %q", ErrInvalid, prefix, a.Prefix)
	}
	if g.Domain != "" && !strings.EqualFold(a.Domain, g.Domain) {
		return Address{}, fmt.Errorf("%w: expected domain %q, got %q", ErrInvalid, g.Domain, a.Domain)
	}
	return a, nil
}
