package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/healthkiosk/telehealth-signaling/internal/auth"
)

const apiTimeout = 10 * time.Second

// apiClient talks to the REST side of the signaling server.
type apiClient struct {
	base  string
	token string
	user  string
	role  string
	http  *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base:  strings.TrimSuffix(strings.TrimSpace(flagServer), "/"),
		token: flagToken,
		user:  flagUser,
		role:  flagRole,
		http:  &http.Client{Timeout: apiTimeout},
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.user != "" {
		req.Header.Set(auth.HeaderUserID, c.user)
		req.Header.Set(auth.HeaderUserRole, c.role)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// iceServers fetches the server's ICE configuration, TURN credentials
// included when the server mints them.
func (c *apiClient) iceServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	var out struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := c.do(ctx, http.MethodGet, "/webrtc/ice", nil, &out); err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	return out.ICEServers, nil
}
