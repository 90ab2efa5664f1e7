package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/headers"
	"relay-proxy-go/internal/model"
)

func testConfig() *config.Config {
	enabled := true
	return &config.Config{
		Proxy: config.ProxyConfig{
			TimeoutSeconds:  5,
			IdleConnections: 10,
		},
		CORS: config.CORSConfig{
			Enabled:       &enabled,
			AllowOrigin:   "*",
			AllowMethods:  "GET, POST, PUT, DELETE, OPTIONS",
			AllowHeaders:  "*",
			MaxAgeSeconds: 86400,
		},
		SecurityHeaders: config.DefaultSecurityHeaders,
		Headers:         config.HeadersConfig{Remove: config.DefaultRemoveHeaders},
	}
}

func newTestService(cfg *config.Config) *RelayService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tc := client.NewTargetClient(cfg, logger, nil)
	return NewRelayService(tc, headers.NewPolicy(cfg), logger)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestRelay_StripsStealthHeadersAndDecorates(t *testing.T) {
	var got http.Header
	var gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotHost = r.Host
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "https://only.example.test")
		w.Header().Set("Cf-Ray", "echoed")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":[1,2,3]}`))
	}))
	defer upstream.Close()

	svc := newTestService(testConfig())
	targetURL := mustParse(t, upstream.URL+"/data")

	rr := &model.RelayRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Target: targetURL,
		Header: http.Header{
			"Accept":          {"application/json"},
			"Origin":          {"https://caller.example.test"},
			"Cf-Ray":          {"abc123"},
			"X-Forwarded-For": {"203.0.113.9"},
			"Connection":      {"keep-alive"},
		},
		Body:      http.NoBody,
		RequestID: "req-1",
	}

	resp, err := svc.Relay(rr)
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	for _, name := range []string{"Origin", "Cf-Ray", "X-Forwarded-For"} {
		if v := got.Get(name); v != "" {
			t.Errorf("target received %s = %q, want absent", name, v)
		}
	}
	if got.Get("Accept") != "application/json" {
		t.Errorf("Accept = %q, want forwarded", got.Get("Accept"))
	}
	if gotHost != targetURL.Host {
		t.Errorf("Host = %q, want %q", gotHost, targetURL.Host)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
	if v := resp.Header.Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", v)
	}
	if v := resp.Header.Get("X-Frame-Options"); v != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", v)
	}
	if v := resp.Header.Get("Cf-Ray"); v != "" {
		t.Errorf("Cf-Ray echoed back as %q, want absent", v)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"data":[1,2,3]}` {
		t.Errorf("body = %q, want unchanged", string(body))
	}
}

func TestRelay_ForwardsMethodAndBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		b, _ := io.ReadAll(r.Body)
		if string(b) != `{"q":"x"}` {
			t.Errorf("body = %q, want %q", string(b), `{"q":"x"}`)
		}
		if r.URL.RawQuery != "page=2" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "page=2")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	svc := newTestService(testConfig())
	payload := `{"q":"x"}`
	rr := &model.RelayRequest{
		Ctx:           context.Background(),
		Method:        http.MethodPost,
		Target:        mustParse(t, upstream.URL+"/items?page=2"),
		Header:        http.Header{"Content-Type": {"application/json"}},
		Body:          io.NopCloser(strings.NewReader(payload)),
		ContentLength: int64(len(payload)),
	}

	resp, err := svc.Relay(rr)
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
}

func TestRelay_PassesErrorStatusThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer upstream.Close()

	svc := newTestService(testConfig())
	resp, err := svc.Relay(&model.RelayRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Target: mustParse(t, upstream.URL+"/missing"),
		Header: http.Header{},
		Body:   http.NoBody,
	})
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestRelay_TargetUnreachable(t *testing.T) {
	// Reserve a port and release it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	svc := newTestService(testConfig())
	_, err = svc.Relay(&model.RelayRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Target: mustParse(t, "http://"+addr+"/"),
		Header: http.Header{},
		Body:   http.NoBody,
	})
	if err == nil {
		t.Fatal("Relay() expected error, got nil")
	}
	if !errors.Is(err, ErrTargetUnreachable) {
		t.Errorf("Relay() error = %v, want ErrTargetUnreachable", err)
	}
}

func TestRelay_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := newTestService(testConfig())
	_, err := svc.Relay(&model.RelayRequest{
		Ctx:    ctx,
		Method: http.MethodGet,
		Target: mustParse(t, upstream.URL),
		Header: http.Header{},
		Body:   http.NoBody,
	})
	if !errors.Is(err, ErrTargetUnreachable) {
		t.Errorf("Relay() error = %v, want ErrTargetUnreachable", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Relay() error = %v, want context.Canceled in chain", err)
	}
}
