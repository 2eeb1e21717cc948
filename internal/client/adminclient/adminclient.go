// Package adminclient is the boost client's counterpart to
// internal/relay/api: it registers a session with the relay's admission
// API before starting a transport and unregisters it on stop. Only the
// local relay-admission call shape from
// original_source/client/src-tauri/src/api_client.rs is reused (that file
// also talks to an external billing/auth API, which is out of scope).
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Client calls a single relay instance's admission API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// New builds a Client bound to the relay's admin address, e.g.
// "https://relay.example.com:8443".
func New(baseURL, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

type registerRequest struct {
	SessionToken  uint32   `json:"session_token"`
	GameServerIPs []string `json:"game_server_ips"`
	GamePorts     []string `json:"game_ports"`
}

// RegisterResponse is the relay's /sessions response, used by the caller
// to learn the forward socket's local port.
type RegisterResponse struct {
	Status       string `json:"status"`
	SessionToken uint32 `json:"session_token"`
	LocalPort    uint16 `json:"local_port"`
}

// Register admits a session with the relay so it opens a per-session
// forward socket before the transport starts sending data.
func (c *Client) Register(ctx context.Context, sessionToken uint32, gameServerIPs, gamePorts []string) (*RegisterResponse, error) {
	body, err := json.Marshal(registerRequest{
		SessionToken:  sessionToken,
		GameServerIPs: gameServerIPs,
		GamePorts:     gamePorts,
	})
	if err != nil {
		return nil, errors.Wrap(err, "adminclient.Register: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "adminclient.Register: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "adminclient.Register: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("adminclient.Register: relay returned status %d", resp.StatusCode)
	}

	var out RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "adminclient.Register: decode response")
	}
	return &out, nil
}

// Unregister tears down the session on the relay. It is safe to call more
// than once — the relay's /sessions/:token DELETE is idempotent.
func (c *Client) Unregister(ctx context.Context, sessionToken uint32) error {
	url := fmt.Sprintf("%s/sessions/%d", c.baseURL, sessionToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return errors.Wrap(err, "adminclient.Unregister: build request")
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "adminclient.Unregister: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("adminclient.Unregister: relay returned status %d", resp.StatusCode)
	}
	return nil
}
