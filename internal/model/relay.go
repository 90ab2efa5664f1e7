// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// RelayRequest is a snapshot of one inbound request to be relayed.
type RelayRequest struct {
	Ctx           context.Context
	Method        string
	Target        *url.URL
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64

	// RequestID correlates log lines for one relay. It is the client's
	// X-Request-Id when present, otherwise a generated UUID.
	RequestID string
}

// RelayResponse is the target's response to be streamed back to the caller.
type RelayResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
