package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/duocall/signaling-relay/internal/config"
)

func newTestServer(t *testing.T, cfg config.Config) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg, logger, BuildInfo{Commit: "abc", BuildTime: "now"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var body map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
	}
	return resp, body
}

func TestHealthEndpoints(t *testing.T) {
	s, ts := newTestServer(t, config.Config{})

	resp, body := getJSON(t, ts.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("/healthz status=%d body=%v", resp.StatusCode, body)
	}

	// Not ready until Serve flips the flag.
	resp, _ = getJSON(t, ts.URL+"/readyz", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/readyz before serving status=%d, want 503", resp.StatusCode)
	}

	s.ready.Store(true)
	resp, body = getJSON(t, ts.URL+"/readyz", nil)
	if resp.StatusCode != http.StatusOK || body["ready"] != true {
		t.Fatalf("/readyz status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = getJSON(t, ts.URL+"/version", nil)
	if resp.StatusCode != http.StatusOK || body["commit"] != "abc" {
		t.Fatalf("/version status=%d body=%v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("response missing X-Request-ID")
	}
}

func TestICEEndpointStaticServers(t *testing.T) {
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "static", Credential: "secret"},
		},
	}
	_, ts := newTestServer(t, cfg)

	resp, body := getJSON(t, ts.URL+"/ice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/ice status=%d", resp.StatusCode)
	}
	servers := body["iceServers"].([]any)
	if len(servers) != 2 {
		t.Fatalf("iceServers=%v", servers)
	}
	turn := servers[1].(map[string]any)
	if turn["username"] != "static" || turn["credential"] != "secret" {
		t.Fatalf("static TURN credentials not passed through: %v", turn)
	}
}

func TestICEEndpointMintsTURNCredentials(t *testing.T) {
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turns:turn.example.com:5349"}, Username: "static", Credential: "stale"},
		},
		TURNREST: config.TurnRESTConfig{
			SharedSecret:   "topsecret",
			TTLSeconds:     600,
			UsernamePrefix: "duocall",
		},
	}
	_, ts := newTestServer(t, cfg)

	_, body := getJSON(t, ts.URL+"/ice", nil)
	servers := body["iceServers"].([]any)

	stun := servers[0].(map[string]any)
	if _, ok := stun["username"]; ok && stun["username"] != "" {
		t.Fatalf("STUN entry got credentials: %v", stun)
	}

	turn := servers[1].(map[string]any)
	username, _ := turn["username"].(string)
	if !strings.Contains(username, ":duocall:") {
		t.Fatalf("minted username=%q, want expiry:duocall:id form", username)
	}
	if cred, _ := turn["credential"].(string); cred == "" || cred == "stale" {
		t.Fatalf("minted credential=%q", turn["credential"])
	}
}

func TestOriginPolicy(t *testing.T) {
	cfg := config.Config{
		AllowedOrigins: []string{"https://app.example.com"},
		ICEServers:     []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}
	_, ts := newTestServer(t, cfg)

	// No Origin header (same-origin or non-browser client) passes.
	resp, _ := getJSON(t, ts.URL+"/ice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("no-origin status=%d", resp.StatusCode)
	}

	resp, _ = getJSON(t, ts.URL+"/ice", map[string]string{"Origin": "https://app.example.com"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed origin status=%d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}

	resp, _ = getJSON(t, ts.URL+"/ice", map[string]string{"Origin": "https://evil.example.com"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("disallowed origin status=%d, want 403", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/ice", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	preflight, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	preflight.Body.Close()
	if preflight.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want 204", preflight.StatusCode)
	}
}
