// Package spawner turns claimed work into live worker sessions: it asks
// the pipeline engine for a claim, requests a worker from the external
// gateway, and confirms or rolls back the claim depending on how the
// spawn went.
package spawner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// sessionPollAttempts and sessionPollDelay bound how long we wait for
	// the gateway to resolve the real session id after accepting a call.
	sessionPollAttempts = 5
	sessionPollDelay    = time.Second
)

// CallRequest is the gateway's call-agent payload.
type CallRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	AgentID        string `json:"agentId"`
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Timeout        int    `json:"timeout"`
	Thinking       string `json:"thinking"`
}

// callResponse is the gateway's acceptance reply.
type callResponse struct {
	Status string `json:"status"`
	RunID  string `json:"runId"`
}

// sessionStatus is the gateway's status-poll reply.
type sessionStatus struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// GatewayClient talks to the external worker gateway over HTTP.
type GatewayClient struct {
	baseURL string
	client  *http.Client
}

// NewGatewayClient creates a gateway client for the given base URL.
func NewGatewayClient(baseURL string) *GatewayClient {
	return &GatewayClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// CallAgent submits a spawn request. Anything other than an HTTP 2xx with
// status "accepted" is a failure.
func (g *GatewayClient) CallAgent(ctx context.Context, req *CallRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode call request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/api/agents/call", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("gateway call failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(raw))
	}

	var parsed callResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode gateway response: %w", err)
	}
	if parsed.Status != "accepted" || parsed.RunID == "" {
		return "", fmt.Errorf("gateway rejected call: status=%q", parsed.Status)
	}
	return parsed.RunID, nil
}

// ResolveSession polls the gateway for the real session id of an accepted
// call, falling back to the accepted run id when the poll budget runs out.
func (g *GatewayClient) ResolveSession(ctx context.Context, gatewayRunID string) string {
	for attempt := 0; attempt < sessionPollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return gatewayRunID
			case <-time.After(sessionPollDelay):
			}
		}

		status, err := g.sessionStatus(ctx, gatewayRunID)
		if err != nil {
			slog.Debug("Session status poll failed",
				"gateway_run_id", gatewayRunID, "attempt", attempt+1, "error", err)
			continue
		}
		if status.SessionID != "" {
			return status.SessionID
		}
	}
	return gatewayRunID
}

func (g *GatewayClient) sessionStatus(ctx context.Context, gatewayRunID string) (*sessionStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.baseURL+"/api/agents/runs/"+gatewayRunID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status poll returned %d", resp.StatusCode)
	}

	var status sessionStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}
