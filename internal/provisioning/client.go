// Package provisioning talks to the upstream IPTV panel that owns the actual
// viewer lines. The billing side decides what should exist; this package makes
// the panel agree.
package provisioning

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

// Client is the panel API surface the worker needs.
type Client interface {
	// CreateLine provisions a new viewer line and returns its panel ID.
	CreateLine(ctx context.Context, params CreateLineParams) (*Line, error)

	// ExtendLine moves a line's expiry forward.
	ExtendLine(ctx context.Context, lineID string, expiresAt time.Time) error

	// ChangeLinePlan moves a line onto a different bouquet.
	ChangeLinePlan(ctx context.Context, lineID string, planCode string) error

	// SuspendLine disables a line without deleting it.
	SuspendLine(ctx context.Context, lineID string) error
}

// CreateLineParams describes the line to create.
type CreateLineParams struct {
	Email      string    `json:"email"`
	PlanCode   string    `json:"plan_code"`
	MaxDevices int32     `json:"max_devices"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Line is a provisioned viewer line on the panel.
type Line struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HTTPClient implements Client against the panel's REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(baseURL, apiKey string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "provisioning"),
	}
}

func (c *HTTPClient) CreateLine(ctx context.Context, params CreateLineParams) (*Line, error) {
	var line Line
	if err := c.do(ctx, http.MethodPost, "/api/lines", params, &line); err != nil {
		return nil, fmt.Errorf("create line: %w", err)
	}
	c.logger.Info("line created", "line_id", line.ID)
	return &line, nil
}

func (c *HTTPClient) ExtendLine(ctx context.Context, lineID string, expiresAt time.Time) error {
	body := map[string]any{"expires_at": expiresAt}
	if err := c.do(ctx, http.MethodPatch, "/api/lines/"+lineID+"/expiry", body, nil); err != nil {
		return fmt.Errorf("extend line %s: %w", lineID, err)
	}
	return nil
}

func (c *HTTPClient) ChangeLinePlan(ctx context.Context, lineID string, planCode string) error {
	body := map[string]any{"plan_code": planCode}
	if err := c.do(ctx, http.MethodPatch, "/api/lines/"+lineID+"/plan", body, nil); err != nil {
		return fmt.Errorf("change line %s plan: %w", lineID, err)
	}
	return nil
}

func (c *HTTPClient) SuspendLine(ctx context.Context, lineID string) error {
	if err := c.do(ctx, http.MethodPost, "/api/lines/"+lineID+"/suspend", nil, nil); err != nil {
		return fmt.Errorf("suspend line %s: %w", lineID, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call panel: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("panel error (HTTP %d): %s", resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// MockClient is a panel client for testing. Records calls and returns
// canned lines.
type MockClient struct {
	// CreateLineFunc allows customizing line creation behavior
	CreateLineFunc func(ctx context.Context, params CreateLineParams) (*Line, error)

	// ExtendLineFunc allows customizing expiry pushes
	ExtendLineFunc func(ctx context.Context, lineID string, expiresAt time.Time) error

	// CallLog tracks method calls for test assertions
	CallLog []string
}

func (m *MockClient) CreateLine(ctx context.Context, params CreateLineParams) (*Line, error) {
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreateLine(%s, %s)", params.Email, params.PlanCode))
	if m.CreateLineFunc != nil {
		return m.CreateLineFunc(ctx, params)
	}
	return &Line{ID: "line_mock", Username: params.Email, ExpiresAt: params.ExpiresAt}, nil
}

func (m *MockClient) ExtendLine(ctx context.Context, lineID string, expiresAt time.Time) error {
	m.CallLog = append(m.CallLog, fmt.Sprintf("ExtendLine(%s)", lineID))
	if m.ExtendLineFunc != nil {
		return m.ExtendLineFunc(ctx, lineID, expiresAt)
	}
	return nil
}

func (m *MockClient) ChangeLinePlan(ctx context.Context, lineID string, planCode string) error {
	m.CallLog = append(m.CallLog, fmt.Sprintf("ChangeLinePlan(%s, %s)", lineID, planCode))
	return nil
}

func (m *MockClient) SuspendLine(ctx context.Context, lineID string) error {
	m.CallLog = append(m.CallLog, fmt.Sprintf("SuspendLine(%s)", lineID))
	return nil
}
