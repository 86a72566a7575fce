package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultAuthorityTimeout = 4 * time.Second

// Authority issues decisions. Any error is treated as the authority being
// unavailable.
type Authority interface {
	Decide(ctx context.Context, req *DecisionRequest) (*Decision, error)
}

// HTTPAuthority calls a remote policy authority over JSON/HTTP
type HTTPAuthority struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPAuthority creates an authority client for url. token, when set, is
// sent as a bearer credential.
func NewHTTPAuthority(url, token string, timeout time.Duration) *HTTPAuthority {
	if timeout <= 0 {
		timeout = defaultAuthorityTimeout
	}
	return &HTTPAuthority{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// Decide implements Authority
func (a *HTTPAuthority) Decide(ctx context.Context, req *DecisionRequest) (*Decision, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode decision request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build decision request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("policy authority unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy authority returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read decision: %w", err)
	}

	var decision Decision
	if err := json.Unmarshal(body, &decision); err != nil {
		return nil, fmt.Errorf("failed to parse decision: %w", err)
	}
	if !decision.Decision.IsValid() {
		return nil, fmt.Errorf("unknown decision %q", decision.Decision)
	}
	if decision.DecisionID == "" {
		return nil, fmt.Errorf("decision has no id")
	}
	return &decision, nil
}
