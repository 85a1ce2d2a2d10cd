// Package simple contains host-pattern target policies.
package simple

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/securescan/internal/scan"
)

var _ scan.TargetPolicy = (*Policy)(nil)

// Policy blocks targets whose host matches a configured pattern. Patterns are
// exact hosts ("intranet.local") or suffix wildcards ("*.corp" or ".corp");
// a suffix also matches the bare domain.
type Policy struct {
	exact    map[string]struct{}
	suffixes []string
}

// New creates a Policy from blocklist patterns. An empty list allows every
// target.
func New(blocked []string) *Policy {
	p := &Policy{exact: make(map[string]struct{})}
	for _, raw := range blocked {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			p.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			p.addSuffix(strings.TrimPrefix(value, "."))
		default:
			p.exact[value] = struct{}{}
		}
	}
	return p
}

func (p *Policy) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

// AllowTarget reports whether a normalized target may be scanned. Targets
// whose host cannot be parsed are left to the fetcher.
func (p *Policy) AllowTarget(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return true
	}
	return !p.IsBlocked(u.Hostname())
}

// IsBlocked reports whether host matches a pattern.
func (p *Policy) IsBlocked(host string) bool {
	if p == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if _, ok := p.exact[host]; ok {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
