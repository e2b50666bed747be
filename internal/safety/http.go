package safety

import (
	"fmt"
	"net/url"
)

// ValidateHTTPURL ensures a configured endpoint parses as HTTP(S) and
// carries no userinfo. Credentials belong in the store's username and
// password fields, where they feed the keystone request body instead of
// ending up in logged URLs.
func ValidateHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL host is required")
	}
	if u.User != nil {
		return nil, fmt.Errorf("URL userinfo is not allowed")
	}
	return u, nil
}
