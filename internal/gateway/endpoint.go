package gateway

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint is one candidate gateway base URL with its resolved credentials.
type Endpoint struct {
	BaseURL  string
	Token    string
	Password string
}

// ParseEndpoint extracts inline credentials from a gateway URL. A token or
// password embedded in the query string takes precedence over the
// environment-level fallbacks; either way the returned BaseURL is stripped of
// credential parameters.
func ParseEndpoint(raw, fallbackToken, fallbackPassword string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Endpoint{}, fmt.Errorf("invalid gateway url %q", raw)
	}

	ep := Endpoint{Token: fallbackToken, Password: fallbackPassword}

	q := u.Query()
	if tok := q.Get("token"); tok != "" {
		ep.Token = tok
		ep.Password = ""
	}
	if pw := q.Get("password"); pw != "" {
		ep.Password = pw
		if q.Get("token") == "" {
			ep.Token = ""
		}
	}
	q.Del("token")
	q.Del("password")
	u.RawQuery = q.Encode()

	ep.BaseURL = strings.TrimRight(u.String(), "/")
	return ep, nil
}

// ParseEndpoints resolves an ordered candidate list, skipping blanks and
// duplicates while preserving order.
func ParseEndpoints(raw []string, fallbackToken, fallbackPassword string) ([]Endpoint, error) {
	seen := make(map[string]bool)
	var endpoints []Endpoint
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		ep, err := ParseEndpoint(r, fallbackToken, fallbackPassword)
		if err != nil {
			return nil, err
		}
		if seen[ep.BaseURL] {
			continue
		}
		seen[ep.BaseURL] = true
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}
