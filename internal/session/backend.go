package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// BackendClient talks to the wallet backend: the on-chain interaction
// session read and the wallet status backup push. Both are auxiliary; the
// caller degrades when they fail.
type BackendClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.SugaredLogger
}

// NewBackendClient creates a client for the backend at baseURL.
func NewBackendClient(baseURL string, logger *zap.SugaredLogger) *BackendClient {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &BackendClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// SessionWindow reads the interaction session window for a wallet. A 404
// means no session exists: nil window, nil error.
func (c *BackendClient) SessionWindow(ctx context.Context, wallet string) (*SessionWindow, error) {
	url := fmt.Sprintf("%s/wallets/%s/interaction-session", c.baseURL, wallet)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build interaction session request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("interaction session request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("interaction session request: status %d", resp.StatusCode)
	}

	var window SessionWindow
	if err := json.NewDecoder(resp.Body).Decode(&window); err != nil {
		return nil, fmt.Errorf("decode interaction session: %w", err)
	}
	return &window, nil
}

// Push ships a wallet status snapshot for a product. Fire-and-forget from
// the caller's point of view.
func (c *BackendClient) Push(ctx context.Context, productID string, status WalletStatus) error {
	payload, err := json.Marshal(map[string]any{
		"productId": productID,
		"status":    status,
		"pushedAt":  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal backup payload: %w", err)
	}

	url := fmt.Sprintf("%s/products/%s/backup", c.baseURL, productID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build backup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("backup request: status %d", resp.StatusCode)
	}
	return nil
}
