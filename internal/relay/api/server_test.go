package api

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ewancrowle/plgboost/internal/relay/metrics"
	"github.com/ewancrowle/plgboost/internal/relay/session"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	reg := metrics.New()
	cache := session.NewCache(10, reg)
	return New(Config{
		Cache:    cache,
		MainConn: conn,
		Metrics:  reg,
		APIKey:   "secret",
		Port:     0,
	})
}

func doRequest(t *testing.T, s *Server, method, path, apiKey string, body []byte) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHealthUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	resp := doRequest(t, s, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRegisterRequiresAPIKey(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"session_token":100,"game_server_ips":["10.0.0.1"],"game_ports":["27015"]}`)

	resp := doRequest(t, s, http.MethodPost, "/sessions", "wrong-key", body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestRegisterSucceedsWithValidKey(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"session_token":100,"game_server_ips":["10.0.0.1"],"game_ports":["27015"]}`)

	resp := doRequest(t, s, http.MethodPost, "/sessions", "secret", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", out)
	}
	if _, ok := out["local_port"]; !ok {
		t.Fatalf("expected local_port in response: %v", out)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	resp1 := doRequest(t, s, http.MethodDelete, "/sessions/42", "secret", nil)
	resp2 := doRequest(t, s, http.MethodDelete, "/sessions/42", "secret", nil)

	if resp1.StatusCode != http.StatusOK || resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected both unregisters to report ok, got %d and %d", resp1.StatusCode, resp2.StatusCode)
	}
}
