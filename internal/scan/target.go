package scan

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultScheme is prepended to targets that carry no scheme.
const DefaultScheme = "https"

var acceptedPrefixes = []string{"http://", "https://"}

// NormalizeTarget maps user input to a canonical absolute URL. Inputs without
// an http(s) prefix get "https://" prepended. The function is idempotent.
func NormalizeTarget(raw string) (string, error) {
	target := strings.TrimSpace(raw)
	if target == "" {
		return "", fmt.Errorf("%w: empty target", ErrInvalidTarget)
	}
	if !hasAcceptedPrefix(target) {
		target = DefaultScheme + "://" + target
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if !u.IsAbs() || u.Hostname() == "" || strings.HasSuffix(u.Host, ":") {
		return "", fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidTarget, raw)
	}
	return target, nil
}

// IsSecure reports whether a normalized target uses the secure scheme.
func IsSecure(target string) bool {
	return strings.HasPrefix(strings.ToLower(target), DefaultScheme+"://")
}

func hasAcceptedPrefix(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range acceptedPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
