// Package target resolves the destination URL of a relayed request.
package target

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"relay-proxy-go/internal/config"
)

// QueryParam is the query parameter that names the target explicitly.
const QueryParam = "target"

var (
	// ErrNoTarget means the request names no target and no default is
	// configured. Callers answer it with the usage document, not a failure.
	ErrNoTarget = errors.New("no target specified")

	// ErrMalformedTarget means the target is not an absolute http(s) or ws(s) URL.
	ErrMalformedTarget = errors.New("malformed target URL")
)

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ws":    true,
	"wss":   true,
}

// Resolver extracts the target URL from inbound requests.
type Resolver struct {
	defaultTarget string
}

// NewResolver creates a Resolver using the configured default target.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{defaultTarget: strings.TrimRight(cfg.Proxy.DefaultTarget, "/")}
}

// Resolve returns the validated target for r. The target query parameter
// wins over a target embedded in the path, which wins over the default.
func (res *Resolver) Resolve(r *http.Request) (*url.URL, error) {
	raw := res.rawTarget(r)
	if raw == "" {
		return nil, ErrNoTarget
	}
	return Parse(raw)
}

func (res *Resolver) rawTarget(r *http.Request) string {
	if t := r.URL.Query().Get(QueryParam); t != "" {
		return t
	}

	if t := pathTarget(r.URL); t != "" {
		return t
	}

	if res.defaultTarget != "" {
		t := res.defaultTarget + r.URL.EscapedPath()
		if r.URL.RawQuery != "" {
			t += "?" + r.URL.RawQuery
		}
		return t
	}

	return ""
}

// pathTarget returns the target embedded in the path, e.g. /https://host/x,
// or empty if the path does not start with an http(s) scheme.
func pathTarget(u *url.URL) string {
	p := strings.TrimPrefix(u.EscapedPath(), "/")
	lower := strings.ToLower(p)

	var scheme string
	switch {
	case strings.HasPrefix(lower, "https:"):
		scheme = "https:"
	case strings.HasPrefix(lower, "http:"):
		scheme = "http:"
	default:
		return ""
	}

	// Intermediaries that clean paths collapse "//" into "/".
	rest := strings.TrimLeft(p[len(scheme):], "/")
	if rest == "" {
		return ""
	}
	t := scheme + "//" + rest
	if u.RawQuery != "" {
		t += "?" + u.RawQuery
	}
	return t
}

// Parse validates raw as an absolute URL with a supported scheme and a host.
func Parse(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTarget, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if !allowedSchemes[u.Scheme] {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedTarget, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrMalformedTarget)
	}
	return u, nil
}

// ToWebSocket returns a copy of u with http mapped to ws and https to wss.
// ws and wss URLs are returned unchanged.
func ToWebSocket(u *url.URL) *url.URL {
	out := *u
	switch u.Scheme {
	case "http":
		out.Scheme = "ws"
	case "https":
		out.Scheme = "wss"
	}
	return &out
}

// ToHTTP returns a copy of u with ws mapped to http and wss to https, for
// plain HTTP relays of a ws(s) target.
func ToHTTP(u *url.URL) *url.URL {
	out := *u
	switch u.Scheme {
	case "ws":
		out.Scheme = "http"
	case "wss":
		out.Scheme = "https"
	}
	return &out
}
