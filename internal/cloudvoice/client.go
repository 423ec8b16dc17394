// Package cloudvoice talks to the AI voice control plane that carries the
// mandatory leg of every call.
package cloudvoice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"dialer-platform/internal/callctl"
	"dialer-platform/internal/config"
)

// ErrUnavailable is returned when the control plane cannot be reached or
// answers outside 2xx.
var ErrUnavailable = errors.New("cloud voice service unavailable")

// Client is the shared HTTP client for the control plane. Per-line call
// state lives in Leg; the client itself is stateless and safe for
// concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

func NewClient(cfg config.DialerConfig, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.CloudVoiceURL, "/"),
		token:   cfg.CloudVoiceToken,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.With("component", "cloudvoice"),
	}
}

type startRequest struct {
	LeadID   string `json:"lead_id"`
	Campaign string `json:"campaign"`
}

type startResponse struct {
	CallID string `json:"call_id"`
}

type endRequest struct {
	CallID string `json:"call_id"`
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrUnavailable, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned status %d", ErrUnavailable, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, path, err)
	}
	return nil
}

func (c *Client) startCall(ctx context.Context, leadID, campaign string) (string, error) {
	var out startResponse
	if err := c.postJSON(ctx, "/calls/start", startRequest{LeadID: leadID, Campaign: campaign}, &out); err != nil {
		return "", err
	}
	if out.CallID == "" {
		return "", fmt.Errorf("%w: start response carried no call id", ErrUnavailable)
	}
	return out.CallID, nil
}

func (c *Client) endCall(ctx context.Context, callID string) error {
	return c.postJSON(ctx, "/calls/end", endRequest{CallID: callID}, nil)
}

// NewLeg returns the per-line call handle. One leg carries at most one
// active cloud call at a time.
func (c *Client) NewLeg() *Leg {
	return &Leg{client: c}
}

// Leg tracks the active cloud call of one agent line.
type Leg struct {
	client *Client

	mu     sync.Mutex
	callID string
}

func (l *Leg) StartCall(ctx context.Context, leadID, campaign string) (callctl.CloudCall, error) {
	id, err := l.client.startCall(ctx, leadID, campaign)
	if err != nil {
		return callctl.CloudCall{}, err
	}
	l.mu.Lock()
	l.callID = id
	l.mu.Unlock()
	return callctl.CloudCall{CallID: id}, nil
}

// EndCall ends the active cloud call. A leg with no active call is a no-op;
// the orchestrator tears down unconditionally.
func (l *Leg) EndCall(ctx context.Context) error {
	l.mu.Lock()
	id := l.callID
	l.callID = ""
	l.mu.Unlock()
	if id == "" {
		return nil
	}
	if err := l.client.endCall(ctx, id); err != nil {
		return fmt.Errorf("end cloud call %s: %w", id, err)
	}
	return nil
}
