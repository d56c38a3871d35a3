package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/optisync/internal/snapshot"
)

var tracer = otel.Tracer("optisync/store")

// RetryPolicy bounds the compare-and-swap loop of AtomicUpdate.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64
	// BaseDelay is the first backoff; it doubles per retry with jitter.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff. Zero means one second.
	MaxDelay time.Duration
}

// DefaultRetryPolicy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 8, BaseDelay: 5 * time.Millisecond, MaxDelay: time.Second}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryPolicy().BaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Second
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(maxDelay, b)
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// UpdateFunc computes the next value from the current one. Returning an
// error aborts the update without writing.
type UpdateFunc func(current snapshot.Value) (snapshot.Value, error)

// Client is the Observable Store client used by the engine.
type Client struct {
	backend Backend
	policy  RetryPolicy
	metrics *Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetryPolicy sets the AtomicUpdate retry policy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.policy = p }
}

// WithMetrics records write metrics.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client over backend.
func NewClient(backend Backend, opts ...ClientOption) *Client {
	c := &Client{backend: backend, policy: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backend returns the underlying backend.
func (c *Client) Backend() Backend {
	return c.backend
}

// Subscription is a cancellable registration returned by Subscribe.
type Subscription struct {
	path   string
	cancel func()
	closed atomic.Bool
	once   sync.Once
}

// Path returns the subscribed path.
func (s *Subscription) Path() string {
	return s.path
}

// Active reports whether Unsubscribe has not been called.
func (s *Subscription) Active() bool {
	return !s.closed.Load()
}

// Unsubscribe releases the subscription. Safe to call more than once.
// A notification racing with Unsubscribe is dropped.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

// Subscribe calls fn with the whole value rooted at path, first with the
// current value and then after every change.
func (c *Client) Subscribe(path string, fn func(snapshot.Value)) (*Subscription, error) {
	sub := &Subscription{path: path}
	cancel, err := c.backend.Watch(path, func(v snapshot.Value) {
		if sub.closed.Load() {
			return
		}
		fn(v)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}
	sub.cancel = cancel
	return sub, nil
}

// Get reads the current value at path.
func (c *Client) Get(ctx context.Context, path string) (snapshot.Value, error) {
	v, _, err := c.backend.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return v, nil
}

// Set writes value at path. A nil value deletes.
func (c *Client) Set(ctx context.Context, path string, value snapshot.Value) error {
	if err := c.backend.Set(ctx, path, snapshot.Normalize(value)); err != nil {
		c.metrics.write("set", "error")
		return fmt.Errorf("set %s: %w", path, err)
	}
	c.metrics.write("set", "ok")
	return nil
}

// Delete removes the subtree at path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.Set(ctx, path, nil)
}

// AtomicUpdate applies fn to the current value at path and writes the
// result with compare-and-swap, re-reading and re-applying fn whenever
// another writer got there first. Returns the value written.
func (c *Client) AtomicUpdate(ctx context.Context, path string, fn UpdateFunc) (snapshot.Value, error) {
	ctx, span := tracer.Start(ctx, "store.AtomicUpdate")
	defer span.End()
	span.SetAttributes(attribute.String("store.path", path))

	var (
		result   snapshot.Value
		attempts int
		aborted  error
	)
	err := retry.Do(ctx, c.policy.backoff(), func(ctx context.Context) error {
		attempts++
		cur, ver, err := c.backend.Read(ctx, path)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			aborted = err
			return err
		}
		next = snapshot.Normalize(next)
		ok, err := c.backend.CompareAndSwap(ctx, path, ver, next)
		if err != nil {
			c.metrics.write("cas", "error")
			return err
		}
		if !ok {
			c.metrics.write("cas", "conflict")
			slog.Debug("compare-and-swap lost", "path", path, "version", ver, "attempt", attempts)
			return retry.RetryableError(&ConflictError{Path: path, Expected: ver})
		}
		c.metrics.write("cas", "ok")
		result = next
		return nil
	})
	span.SetAttributes(attribute.Int("store.attempts", attempts))

	switch {
	case err == nil:
		return result, nil
	case aborted != nil:
		// The update function's own verdict; not a store failure.
		return nil, err
	case errors.Is(err, ErrConflict):
		c.metrics.exhausted()
		err = fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, path, attempts, err)
	default:
		err = fmt.Errorf("atomic update %s: %w", path, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}
