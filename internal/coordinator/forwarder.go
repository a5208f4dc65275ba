package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/SallyKAN/device-relay/internal/types"
)

// Forwarder hands messages to a Deliverer, honouring per-message delivery
// options.
type Forwarder struct {
	deliverer Deliverer
}

// NewForwarder creates a forwarder. A nil deliverer accepts every message.
func NewForwarder(d Deliverer) *Forwarder {
	if d == nil {
		d = nopDeliverer{}
	}
	return &Forwarder{deliverer: d}
}

// backoff durations used when a message carries no retry delay.
var retryBackoffs = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// Forward delivers msg to deviceID. Transient failures (attempt timeouts,
// network errors, recoverable coordination codes) are retried up to
// msg.Delivery.RetryCount times.
func (f *Forwarder) Forward(ctx context.Context, deviceID string, msg *types.RelayMessage) error {
	opts := msg.Delivery
	maxAttempts := max(opts.RetryCount, 0) + 1
	var lastErr error
	for attempt := range maxAttempts {
		err := f.attempt(ctx, deviceID, msg, opts.Timeout)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		wait := opts.RetryDelay
		if wait <= 0 {
			wait = retryBackoffs[min(attempt, len(retryBackoffs)-1)]
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("delivery failed after %d attempts: %w", maxAttempts, lastErr)
}

func (f *Forwarder) attempt(ctx context.Context, deviceID string, msg *types.RelayMessage, timeout time.Duration) error {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := f.deliverer.SendToDevice(actx, deviceID, msg)
	if err == nil {
		return nil
	}
	// An attempt that ran out of its own budget is worth another try as long
	// as the caller is still waiting.
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return &transientError{deviceID: deviceID, cause: err}
	}
	return err
}

// transientError represents a retryable delivery failure.
type transientError struct {
	deviceID string
	cause    error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("transient error delivering to device %s: %v", e.deviceID, e.cause)
}

func (e *transientError) Unwrap() error { return e.cause }

func isTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return types.IsRecoverable(err)
}
