package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type capturedRequest struct {
	Method string
	Path   string
	Auth   string
	Owner  string
	Body   map[string]any
}

func newRecordingServer(t *testing.T, status int, response string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var seen []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := capturedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Auth:   r.Header.Get("Authorization"),
			Owner:  r.Header.Get(ownerHeader),
		}
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &rec.Body); err != nil {
				t.Errorf("decode request body: %v", err)
			}
		}
		seen = append(seen, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestCreateSendsPlanRequest(t *testing.T) {
	srv, seen := newRecordingServer(t, http.StatusCreated, `{"id":1,"status":"active"}`)
	var stdout, stderr bytes.Buffer
	code := run([]string{
		"--url", srv.URL, "--token", "tok",
		"create", "--source", "usdc", "--target", "weth", "--amount", "1000000000",
		"--interval", "3600", "--slippage", "100", "--max", "12", "--prefund", "3",
	}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	if len(*seen) != 1 {
		t.Fatalf("expected one request, got %d", len(*seen))
	}
	req := (*seen)[0]
	if req.Method != http.MethodPost || req.Path != "/v1/plans" {
		t.Fatalf("unexpected route %s %s", req.Method, req.Path)
	}
	if req.Auth != "Bearer tok" {
		t.Fatalf("unexpected authorization %q", req.Auth)
	}
	if req.Body["source_asset"] != "usdc" || req.Body["amount_per_interval"] != "1000000000" {
		t.Fatalf("unexpected body %#v", req.Body)
	}
	if req.Body["interval_seconds"] != float64(3600) || req.Body["max_slippage_bps"] != float64(100) {
		t.Fatalf("unexpected numeric fields %#v", req.Body)
	}
	if req.Body["max_executions"] != float64(12) || req.Body["prefund_executions"] != float64(3) {
		t.Fatalf("unexpected limits %#v", req.Body)
	}
	if _, ok := req.Body["fee_tier"]; ok {
		t.Fatalf("fee tier should be omitted when unset")
	}
	if !strings.Contains(stdout.String(), "\"status\": \"active\"") {
		t.Fatalf("expected indented response, got %q", stdout.String())
	}
}

func TestCreateRequiresCoreFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"--url", "http://127.0.0.1:1", "create", "--source", "USDC"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "usage: dca-cli create") {
		t.Fatalf("expected usage error, got %q", stderr.String())
	}
}

func TestPlanActionsRoute(t *testing.T) {
	cases := []struct {
		args   []string
		method string
		path   string
		body   map[string]any
	}{
		{args: []string{"get", "4"}, method: http.MethodGet, path: "/v1/plans/4"},
		{args: []string{"executions", "4"}, method: http.MethodGet, path: "/v1/plans/4/executions"},
		{args: []string{"pause", "4"}, method: http.MethodPost, path: "/v1/plans/4/pause"},
		{args: []string{"cancel", "4"}, method: http.MethodPost, path: "/v1/plans/4/cancel"},
		{args: []string{"resume", "4", "60"}, method: http.MethodPost, path: "/v1/plans/4/resume", body: map[string]any{"delay_seconds": float64(60)}},
		{args: []string{"fund", "4", "2"}, method: http.MethodPost, path: "/v1/plans/4/fund", body: map[string]any{"executions": float64(2)}},
		{args: []string{"list"}, method: http.MethodGet, path: "/v1/plans"},
		{args: []string{"active"}, method: http.MethodGet, path: "/v1/plans/active"},
		{args: []string{"ledger"}, method: http.MethodGet, path: "/v1/ledger"},
		{args: []string{"balance", "weth"}, method: http.MethodGet, path: "/v1/vaults/WETH"},
		{args: []string{"deposit", "usdc", "500"}, method: http.MethodPost, path: "/v1/vaults/USDC/deposit", body: map[string]any{"amount": "500"}},
	}
	for _, tc := range cases {
		t.Run(strings.Join(tc.args, "_"), func(t *testing.T) {
			srv, seen := newRecordingServer(t, http.StatusOK, `{}`)
			var stdout, stderr bytes.Buffer
			args := append([]string{"--url", srv.URL, "--owner", "alice"}, tc.args...)
			if code := run(args, &stdout, &stderr); code != 0 {
				t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
			}
			if len(*seen) != 1 {
				t.Fatalf("expected one request, got %d", len(*seen))
			}
			got := (*seen)[0]
			if got.Method != tc.method || got.Path != tc.path {
				t.Fatalf("expected %s %s, got %s %s", tc.method, tc.path, got.Method, got.Path)
			}
			if got.Owner != "alice" {
				t.Fatalf("expected owner header, got %q", got.Owner)
			}
			for key, want := range tc.body {
				if got.Body[key] != want {
					t.Fatalf("body %s: expected %v, got %v", key, want, got.Body[key])
				}
			}
		})
	}
}

func TestResumeWithoutDelaySendsEmptyObject(t *testing.T) {
	srv, seen := newRecordingServer(t, http.StatusOK, `{}`)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--url", srv.URL, "resume", "9"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	if _, ok := (*seen)[0].Body["delay_seconds"]; ok {
		t.Fatalf("delay should be omitted, got %#v", (*seen)[0].Body)
	}
}

func TestAPIErrorSurfacesMessage(t *testing.T) {
	srv, _ := newRecordingServer(t, http.StatusConflict, `{"error":"dca: invalid plan status transition"}`)
	var stdout, stderr bytes.Buffer
	code := run([]string{"--url", srv.URL, "pause", "3"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "409") || !strings.Contains(stderr.String(), "invalid plan status transition") {
		t.Fatalf("unexpected error output %q", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected no stdout, got %q", stdout.String())
	}
}

func TestInvalidPlanIDRejected(t *testing.T) {
	var stdout, stderr bytes.Buffer
	for _, raw := range []string{"0", "abc", "-1"} {
		stderr.Reset()
		if code := run([]string{"--url", "http://127.0.0.1:1", "get", raw}, &stdout, &stderr); code != 1 {
			t.Fatalf("id %q: expected exit 1, got %d", raw, code)
		}
		if !strings.Contains(stderr.String(), "invalid plan id") {
			t.Fatalf("id %q: unexpected error %q", raw, stderr.String())
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"explode"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), `unknown command "explode"`) {
		t.Fatalf("unexpected output %q", stderr.String())
	}
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tokenNow = func() time.Time { return fixed }
	defer func() { tokenNow = time.Now }()

	var stdout, stderr bytes.Buffer
	code := run([]string{"token", "--secret", "s3cret", "--owner", "alice", "--issuer", "recurswap", "--audience", "dcad", "--ttl", "30m"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	signed := strings.TrimSpace(stdout.String())
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(signed, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("s3cret"), nil
	}, jwt.WithTimeFunc(func() time.Time { return fixed.Add(time.Minute) }), jwt.WithIssuer("recurswap"), jwt.WithAudience("dcad"))
	if err != nil {
		t.Fatalf("parse minted token: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("expected subject alice, got %q", claims.Subject)
	}
	if !claims.ExpiresAt.Time.Equal(fixed.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt.Time)
	}
}

func TestTokenCommandValidation(t *testing.T) {
	if _, err := mintToken("", "alice", "", "", time.Hour); err == nil {
		t.Fatalf("expected missing secret error")
	}
	if _, err := mintToken("s", " ", "", "", time.Hour); err == nil {
		t.Fatalf("expected missing owner error")
	}
	if _, err := mintToken("s", "alice", "", "", 0); err == nil {
		t.Fatalf("expected ttl error")
	}
}
