// Package headers implements the header rewriting applied to relayed traffic:
// stealth stripping on the way out to the target, and CORS plus security
// headers on the way back to the caller.
package headers

import (
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"relay-proxy-go/internal/config"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// handshakeHeaders are generated by the WebSocket dialer and must not be
// copied from the inbound handshake.
var handshakeHeaders = []string{
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Accept",
}

const (
	headerAllowOrigin  = "Access-Control-Allow-Origin"
	headerAllowMethods = "Access-Control-Allow-Methods"
	headerAllowHeaders = "Access-Control-Allow-Headers"
	headerMaxAge       = "Access-Control-Max-Age"
)

// Policy holds the header rules derived from the configuration. It is
// immutable and safe for concurrent use.
type Policy struct {
	remove map[string]struct{}

	cors         bool
	allowOrigin  string
	allowMethods string
	allowHeaders string
	maxAge       string

	security []config.HeaderValue
}

// NewPolicy builds a Policy from cfg.
func NewPolicy(cfg *config.Config) *Policy {
	remove := make(map[string]struct{}, len(cfg.Headers.Remove))
	for _, name := range cfg.Headers.Remove {
		remove[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}

	return &Policy{
		remove:       remove,
		cors:         cfg.CORSEnabled(),
		allowOrigin:  cfg.CORS.AllowOrigin,
		allowMethods: cfg.CORS.AllowMethods,
		allowHeaders: cfg.CORS.AllowHeaders,
		maxAge:       strconv.Itoa(cfg.CORS.MaxAgeSeconds),
		security:     append([]config.HeaderValue(nil), cfg.SecurityHeaders...),
	}
}

// SanitizeInbound returns the header set forwarded to the target. Stealth
// headers, Origin and hop-by-hop headers are dropped and Host is set to host.
// src is not modified.
func (p *Policy) SanitizeInbound(src http.Header, host string) http.Header {
	dst := p.copyAllowed(src)
	dst.Del("Origin")
	if host != "" {
		dst.Set("Host", host)
	}
	return dst
}

// DecorateOutbound returns the header set sent back to the caller. CORS
// headers overwrite whatever the target sent, security headers are merged in
// order, and the removal list is applied last so a target cannot echo
// stealth headers back. src is not modified.
func (p *Policy) DecorateOutbound(src http.Header) http.Header {
	dst := p.copyAllowed(src)
	p.ApplyResponse(dst)
	return dst
}

// ApplyResponse sets the CORS and security headers on h in place.
func (p *Policy) ApplyResponse(h http.Header) {
	if p.cors {
		h.Set(headerAllowOrigin, p.allowOrigin)
		h.Set(headerAllowMethods, p.allowMethods)
		h.Set(headerAllowHeaders, p.allowHeaders)
	}
	for _, sh := range p.security {
		if !httpguts.ValidHeaderFieldName(sh.Name) {
			continue
		}
		h.Set(sh.Name, sh.Value)
	}
	for name := range h {
		if p.removed(name) {
			delete(h, name)
		}
	}
}

// Preflight sets the headers of a CORS preflight response on h.
func (p *Policy) Preflight(h http.Header) {
	h.Set(headerAllowOrigin, p.allowOrigin)
	h.Set(headerAllowMethods, p.allowMethods)
	h.Set(headerAllowHeaders, p.allowHeaders)
	h.Set(headerMaxAge, p.maxAge)
}

// WebSocketDialHeader strips handshake headers the dialer generates itself
// from an already sanitized header set. src is not modified.
func WebSocketDialHeader(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, h := range handshakeHeaders {
		dst.Del(h)
	}
	return dst
}

func (p *Policy) copyAllowed(src http.Header) http.Header {
	dst := make(http.Header, len(src))

	nominated := connectionTokens(src)
	for name, vals := range src {
		if !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		key := http.CanonicalHeaderKey(name)
		if p.removed(key) || isHopByHop(key) {
			continue
		}
		if _, ok := nominated[key]; ok {
			continue
		}
		dst[key] = append(dst[key], vals...)
	}
	return dst
}

func (p *Policy) removed(name string) bool {
	_, ok := p.remove[strings.ToLower(name)]
	return ok
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, key) {
			return true
		}
	}
	return false
}

// connectionTokens returns the canonical header names listed in Connection.
func connectionTokens(h http.Header) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				tokens[http.CanonicalHeaderKey(f)] = struct{}{}
			}
		}
	}
	return tokens
}
