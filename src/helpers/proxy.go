package helpers

import (
	"net/url"
	"strings"
)

// NormalizeProxy checks an outbound proxy address and gives it a scheme.
// "10.0.0.1:3128" becomes "http://10.0.0.1:3128"; socks5 is accepted.
func NormalizeProxy(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", Wrap(err, ErrCodeConfiguration, "invalid proxy %q", raw)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return "", NewConfigurationError("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", NewConfigurationError("proxy %q has no host", raw)
	}
	return u.String(), nil
}
