package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type submitRequest struct {
	Transition *Transition `json:"transition"`
	AuthToken  string      `json:"authToken"`
}

// RelayerClient handles HTTP requests to a transaction relayer service
type RelayerClient struct {
	url       string
	authToken string
	client    *http.Client
}

// NewRelayerClient creates a relayer client. A zero timeout means 30s.
func NewRelayerClient(url, authToken string, timeout time.Duration) *RelayerClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RelayerClient{
		url:       strings.TrimRight(url, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

// Submit posts the transition to <url>/submitTransition. 4xx answers wrap
// ErrRejected; other failures may be retried.
func (rc *RelayerClient) Submit(ctx context.Context, t *Transition) (*Receipt, error) {
	body, err := json.Marshal(submitRequest{Transition: t, AuthToken: rc.authToken})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transition: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.url+"/submitTransition", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send transition: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status code %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to send transition, status code: %d", resp.StatusCode)
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("decoding relayer receipt: %w", err)
	}
	if receipt.Status == "" {
		receipt.Status = StatusAccepted
	}
	return &receipt, nil
}
