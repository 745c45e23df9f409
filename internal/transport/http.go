package transport

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/RaphaelDarley/messagedisk/internal/config"
	"github.com/RaphaelDarley/messagedisk/internal/errors"
	"github.com/RaphaelDarley/messagedisk/internal/metrics"
	"github.com/RaphaelDarley/messagedisk/internal/model"
)

// HTTPDeliverer posts envelopes as JSON to the peer's catch-all route.
type HTTPDeliverer struct {
	client  *http.Client
	cfg     config.TransportConfig
	retry   retryPolicy
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewHTTPDeliverer creates a deliverer that keeps idle connections to each peer.
func NewHTTPDeliverer(cfg config.TransportConfig, m *metrics.Metrics, logger *zap.Logger) *HTTPDeliverer {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = cfg.MaxIdleConns
	tr.MaxIdleConns = 0

	return &HTTPDeliverer{
		client: &http.Client{Transport: tr},
		cfg:    cfg,
		retry: retryPolicy{
			maxRetries: cfg.MaxRetries,
			backoff:    cfg.RetryBackoff,
			retryable:  isRetryableHTTP,
			logger:     logger,
		},
		metrics: m,
		logger:  logger,
	}
}

// Deliver implements Deliverer.
func (d *HTTPDeliverer) Deliver(ctx context.Context, to model.NodeAddress, env *model.Envelope) error {
	raw, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	start := time.Now()
	err = d.retry.do(ctx, to, func() error {
		return d.post(ctx, to, raw)
	})
	d.metrics.RecordDelivery(config.TransportHTTP, time.Since(start).Seconds(), err)
	if err != nil {
		return errors.DeliveryFailed(to.String(), err)
	}
	return nil
}

func (d *HTTPDeliverer) post(ctx context.Context, to model.NodeAddress, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+to.String()+"/", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return &statusError{code: resp.StatusCode, body: decodeErrorBody(resp.Body)}
}

// Close releases idle connections.
func (d *HTTPDeliverer) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

// statusError is a non-2xx answer from a peer.
type statusError struct {
	code int
	body errors.ErrorResponse
}

func (e *statusError) Error() string {
	if e.body.ErrorCode != "" {
		return fmt.Sprintf("peer answered %d %s: %s", e.code, e.body.ErrorCode, e.body.Message)
	}
	return fmt.Sprintf("peer answered %d", e.code)
}

func decodeErrorBody(r io.Reader) errors.ErrorResponse {
	var body errors.ErrorResponse
	json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&body)
	return body
}

// isRetryableHTTP retries transport errors and 5xx answers other than a peer that is
// shutting down. 4xx answers are final.
func isRetryableHTTP(err error) bool {
	var se *statusError
	if stderrors.As(err, &se) {
		return se.code >= 500 && se.code != http.StatusServiceUnavailable
	}
	return !stderrors.Is(err, context.Canceled)
}
