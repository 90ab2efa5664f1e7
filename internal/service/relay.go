// Package service implements the HTTP relay: one forwarded request and
// response cycle with the header policy applied in both directions.
package service

import (
	"errors"
	"fmt"
	"log/slog"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/headers"
	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/target"
)

// ErrTargetUnreachable wraps every failure to obtain a response from the
// target: network errors, DNS, TLS and timeouts alike.
var ErrTargetUnreachable = errors.New("target unreachable")

// RelayService forwards plain HTTP requests to their resolved target.
type RelayService struct {
	client *client.TargetClient
	policy *headers.Policy
	logger *slog.Logger
}

// NewRelayService creates a RelayService.
func NewRelayService(c *client.TargetClient, policy *headers.Policy, logger *slog.Logger) *RelayService {
	return &RelayService{
		client: c,
		policy: policy,
		logger: logger.With("component", "relay_service"),
	}
}

// Relay sends rr to its target and returns the response with outbound
// headers decorated. The body is not read; the caller streams and closes it.
// No retries are made.
func (s *RelayService) Relay(rr *model.RelayRequest) (*model.RelayResponse, error) {
	header := s.policy.SanitizeInbound(rr.Header, rr.Target.Host)

	s.logger.Debug("relaying request",
		"request_id", rr.RequestID,
		"method", rr.Method,
		"target", target.Redact(rr.Target),
	)

	resp, err := s.client.DoStream(rr.Ctx, rr.Method, rr.Target.String(), header, rr.Body, rr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTargetUnreachable, err)
	}

	resp.Header = s.policy.DecorateOutbound(resp.Header)
	return resp, nil
}
