// Package client talks to a node's HTTP API.
package client

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

	"go.uber.org/zap"

	apierrors "github.com/RaphaelDarley/messagedisk/internal/errors"
	"github.com/RaphaelDarley/messagedisk/internal/model"
)

// Config holds client configuration.
type Config struct {
	// Node is "ip:port" or a base URL.
	Node         string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// Client is an HTTP client for a single node.
type Client struct {
	baseURL string
	http    *http.Client
	cfg     Config
	logger  *zap.Logger
}

// New creates a client for cfg.Node.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Node == "" {
		return nil, fmt.Errorf("no node address provided")
	}
	baseURL := strings.TrimRight(cfg.Node, "/")
	if !strings.Contains(baseURL, "://") {
		if _, err := model.ParseNodeAddress(baseURL); err != nil {
			return nil, err
		}
		baseURL = "http://" + baseURL
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Read returns the data of chunk index of ring id.
func (c *Client) Read(ctx context.Context, id model.RingID, index uint64) ([]byte, error) {
	var data []byte
	err := c.withRetry(ctx, func() error {
		raw, err := c.do(ctx, http.MethodPost, "/read", model.ReadRequest{RingID: id, ChunkID: index})
		data = raw
		return err
	})
	return data, err
}

// Write replaces the data of chunk index of ring id.
func (c *Client) Write(ctx context.Context, id model.RingID, index uint64, data []byte) error {
	return c.withRetry(ctx, func() error {
		_, err := c.do(ctx, http.MethodPost, "/write", model.WriteRequest{RingID: id, ChunkID: index, Data: data})
		return err
	})
}

// Create asks the node to create a ring. A zero id lets the node pick one.
func (c *Client) Create(ctx context.Context, id model.RingID, chunkNum uint64) (model.RingID, error) {
	raw, err := c.do(ctx, http.MethodPost, "/create", model.CreateRequest{RingID: id, ChunkNum: chunkNum})
	if err != nil {
		return 0, err
	}
	var resp model.CreateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode create response: %w", err)
	}
	return resp.RingID, nil
}

// Join asks the node to join ring id through target. An empty target lets the node
// find one through gossip.
func (c *Client) Join(ctx context.Context, id model.RingID, target string, chunkNum uint64) error {
	_, err := c.do(ctx, http.MethodPost, "/join", model.JoinRequest{RingID: id, Target: target, ChunkNum: chunkNum})
	return err
}

// Start asks the node to join ring id through target and fill it with zeroed chunks.
func (c *Client) Start(ctx context.Context, id model.RingID, target string, chunkNum uint64) error {
	_, err := c.do(ctx, http.MethodPost, "/start", model.JoinRequest{RingID: id, Target: target, ChunkNum: chunkNum})
	return err
}

// Inject asks the node to send zeroed chunks for ring id to target.
func (c *Client) Inject(ctx context.Context, id model.RingID, target string, chunkNum uint64) error {
	_, err := c.do(ctx, http.MethodPost, "/inject", model.JoinRequest{RingID: id, Target: target, ChunkNum: chunkNum})
	return err
}

// Discover lists the rings hosted by the node.
func (c *Client) Discover(ctx context.Context) ([]model.RingInfo, error) {
	var rings []model.RingInfo
	err := c.getJSON(ctx, "/discover", &rings)
	return rings, err
}

// Status reports the state of ring id on the node.
func (c *Client) Status(ctx context.Context, id model.RingID) (model.RingStatus, error) {
	var st model.RingStatus
	err := c.getJSON(ctx, "/rings/"+id.String(), &st)
	return st, err
}

// Cluster returns the node's view of the cluster.
func (c *Client) Cluster(ctx context.Context) (model.ClusterResponse, error) {
	var resp model.ClusterResponse
	err := c.getJSON(ctx, "/cluster", &resp)
	return resp, err
}

// Shutdown stops every ring on the node.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/shutdown", nil)
	return err
}

func (c *Client) getJSON(ctx context.Context, path string, v interface{}) error {
	return c.withRetry(ctx, func() error {
		raw, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
		return nil
	})
}

// do sends one request and returns the response body. Error bodies are turned back
// into *errors.RingError.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var errResp apierrors.ErrorResponse
		if json.Unmarshal(raw, &errResp) != nil || errResp.ErrorCode == "" {
			return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
		}
		return nil, apierrors.NewRingError(errResp.ErrorCode, errResp.Message, nil)
	}
	return raw, nil
}

// statusError is a failed response without a structured error body.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

// withRetry wraps a call with retry logic.
func (c *Client) withRetry(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(ctx, err) {
			return err
		}

		c.logger.Warn("Request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return lastErr
}

// isRetryable determines if an error is retryable.
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if apierrors.IsRingError(err) {
		switch apierrors.GetCode(err) {
		case apierrors.ErrCodeDeliveryFailed, apierrors.ErrCodeRateLimited, apierrors.ErrCodeTimeout:
			return true
		default:
			return false
		}
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 && se.code != http.StatusServiceUnavailable
	}
	// transport error
	return true
}
