// Package dnsroute extracts the query name from a DNS message and picks a
// resolver for it using an ordered list of domain-suffix rules.
package dnsroute

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"github.com/tunbridge/ip2socks/internal/gwconfig"
)

// ErrNotAQuery is returned by ExtractDomain when the packet does not parse
// as a DNS message with at least one question.
var ErrNotAQuery = fmt.Errorf("dnsroute: not a dns query")

// ExtractDomain unpacks a raw DNS message and returns the name of its
// first question, lower-cased and with the trailing root dot stripped
// (mirroring what original_source/'s resolver sees once miekg/dns has
// normalized the wire name). Internationalized names are normalized to
// their ASCII/punycode form via golang.org/x/net/idna so a suffix rule
// written as "example.de" also matches a query that arrived encoded as
// unicode; a name idna rejects as malformed is returned lower-cased and
// unconverted rather than failing extraction outright.
func ExtractDomain(packet []byte) (string, error) {
	var msg dns.Msg
	if err := msg.Unpack(packet); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotAQuery, err)
	}
	if len(msg.Question) == 0 {
		return "", ErrNotAQuery
	}
	name := strings.ToLower(msg.Question[0].Name)
	name = strings.TrimSuffix(name, ".")
	// miekg/dns renders label bytes outside printable ASCII as \DDD; turn
	// them back into raw bytes so idna sees the UTF-8 label.
	raw := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '\\' && i+3 < len(name) {
			if v, err := strconv.ParseUint(name[i+1:i+4], 10, 8); err == nil {
				raw = append(raw, byte(v))
				i += 3
				continue
			}
		}
		if name[i] == '\\' && i+1 < len(name) {
			raw = append(raw, name[i])
			i++
		}
		raw = append(raw, name[i])
	}
	if ascii, err := idna.Lookup.ToASCII(string(raw)); err == nil {
		name = ascii
	}
	return name, nil
}

// Table is an ordered domain-suffix routing table: the first rule whose
// suffix matches a query's domain wins, exactly as original_source/'s
// select_route walks its rule list in order.
type Table struct {
	rules []gwconfig.Rule
}

// NewTable builds a routing table from configuration rules, preserving
// their order.
func NewTable(rules []gwconfig.Rule) *Table {
	cp := make([]gwconfig.Rule, len(rules))
	copy(cp, rules)
	return &Table{rules: cp}
}

// Route is the outcome of selecting a rule for a domain: which tagged
// resolver should answer the query, or the zero value if no rule matched.
type Route struct {
	Matched    bool
	Tag        string
	ResolverIP net.IP
}

// Select returns the first rule whose suffix matches domain. Matching is
// plain, case-sensitive suffix comparison: no label alignment, no wildcard
// semantics, so suffix "cn" also matches "xyzcn". Rule order is preserved
// on ties; the first match wins.
func (t *Table) Select(domain string) Route {
	for _, r := range t.rules {
		if strings.HasSuffix(domain, r.Suffix) {
			return Route{Matched: true, Tag: r.Tag, ResolverIP: net.ParseIP(r.ResolverIP)}
		}
	}
	return Route{}
}
