// Package transport moves envelopes between nodes.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/RaphaelDarley/messagedisk/internal/model"
)

// Deliverer hands an envelope to the node at the given address. A nil error means the
// peer accepted the envelope into its relay; it says nothing about later processing.
type Deliverer interface {
	Deliver(ctx context.Context, to model.NodeAddress, env *model.Envelope) error
}

// EncodeEnvelope serializes an envelope for the wire.
func EncodeEnvelope(env *model.Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return raw, nil
}

// DecodeEnvelope parses an envelope received from the wire.
func DecodeEnvelope(raw []byte) (*model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}

// retryPolicy runs an operation up to maxRetries+1 times with exponential backoff.
type retryPolicy struct {
	maxRetries int
	backoff    time.Duration
	retryable  func(error) bool
	logger     *zap.Logger
}

func (p retryPolicy) do(ctx context.Context, to model.NodeAddress, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.backoff * time.Duration(1<<uint(attempt-1))
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

		if !p.retryable(err) || attempt == p.maxRetries {
			break
		}

		p.logger.Warn("Delivery failed, retrying",
			zap.String("to", to.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return lastErr
}
