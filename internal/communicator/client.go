// Package communicator talks to the upstream job server: heartbeats carry
// host statistics and return commands, and every message of a commanded task
// is reported back.
package communicator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/netly/cnagent/internal/stats"
	"github.com/netly/cnagent/internal/task"
	"go.uber.org/zap"
)

var ErrUnauthorized = errors.New("communicator: node token rejected")

// StatusError is a non-2xx answer from the job server.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("job server %s returned status %d: %s", e.Path, e.Status, e.Body)
}

// Command is a task request pushed by the job server in a heartbeat
// response. It uses the same wire format as local submissions.
type Command = task.Request

type HeartbeatRequest struct {
	Stats        *stats.SystemStats `json:"stats"`
	AgentVersion string             `json:"agent_version"`
	Live         int                `json:"live_tasks"`
	Timestamp    int64              `json:"timestamp"`
}

type HeartbeatResponse struct {
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	Commands []Command     `json:"commands,omitempty"`
	Config   *RemoteConfig `json:"config,omitempty"`
}

// RemoteConfig lets the job server adjust the agent between heartbeats.
type RemoteConfig struct {
	HeartbeatInterval int `json:"heartbeat_interval,omitempty"`
}

type eventReport struct {
	Type        string       `json:"type"`
	ResourceKey string       `json:"resource_key"`
	Message     task.Message `json:"message"`
}

type Client struct {
	backendURL string
	nodeToken  string
	httpClient *http.Client
	version    string
	logger     *zap.Logger
}

type ClientConfig struct {
	BackendURL string
	NodeToken  string
	Timeout    time.Duration
	Version    string
	Logger     *zap.Logger
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		backendURL: strings.TrimRight(cfg.BackendURL, "/"),
		nodeToken:  cfg.NodeToken,
		version:    cfg.Version,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *Client) userAgent() string {
	return "cnagent/" + c.version
}

func (c *Client) SendHeartbeat(ctx context.Context, systemStats *stats.SystemStats, live int) (*HeartbeatResponse, error) {
	req := HeartbeatRequest{
		Stats:        systemStats,
		AgentVersion: c.version,
		Live:         live,
		Timestamp:    time.Now().Unix(),
	}

	var resp HeartbeatResponse
	if err := c.post(ctx, "/api/v1/agent/heartbeat", req, &resp); err != nil {
		c.logger.Warn("agent_heartbeat_failed", zap.Error(err))
		return nil, err
	}
	c.logger.Debug("agent_heartbeat_parsed", zap.Int("commands", len(resp.Commands)))
	return &resp, nil
}

// ReportEvent sends one task message to the job server.
func (c *Client) ReportEvent(ctx context.Context, h task.Header, msg task.Message) error {
	path := fmt.Sprintf("/api/v1/agent/tasks/%s/events", h.ID)
	return c.post(ctx, path, eventReport{Type: h.Type, ResourceKey: h.ResourceKey, Message: msg}, nil)
}

// RefreshInventory asks the job server to re-read the agents installed on
// this node.
func (c *Client) RefreshInventory(ctx context.Context) error {
	return c.post(ctx, "/api/v1/agent/inventory/refresh", map[string]int64{"timestamp": time.Now().Unix()}, nil)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	start := time.Now()
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.backendURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.nodeToken)
	httpReq.Header.Set("User-Agent", c.userAgent())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("agent_request_done",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		zap.Int("payload_bytes", len(body)),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{Path: path, Status: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
