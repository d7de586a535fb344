package gateway

import (
	"context"
	"errors"
	"fmt"
	"ladder-futures-bot/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flakyGateway fails a fixed number of times before answering.
type flakyGateway struct {
	Gateway
	failures int
	err      error
	calls    int
}

func (g *flakyGateway) CurrentPrice(ctx context.Context, market string) (float64, error) {
	g.calls++
	if g.calls <= g.failures {
		return 0, g.err
	}
	return 42, nil
}

func (g *flakyGateway) CancelAllOpen(ctx context.Context, market string) error {
	g.calls++
	return g.err
}

func (g *flakyGateway) Holdings(ctx context.Context) ([]models.Holding, error) {
	g.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestResilient(inner Gateway, attempts int) *Resilient {
	return NewResilient(inner, RetryPolicy{Attempts: attempts, Backoff: time.Millisecond, Timeout: 20 * time.Millisecond}, nil, zap.NewNop())
}

func TestResilientRetriesTransientErrors(t *testing.T) {
	inner := &flakyGateway{failures: 2, err: fmt.Errorf("read: %w", ErrTransient)}
	r := newTestResilient(inner, 3)

	price, err := r.CurrentPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 42.0, price)
	assert.Equal(t, 3, inner.calls)
}

func TestResilientSurfacesExhaustedRetries(t *testing.T) {
	inner := &flakyGateway{failures: 10, err: ErrTransient}
	r := newTestResilient(inner, 3)

	_, err := r.CurrentPrice(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransient))
	assert.Equal(t, 3, inner.calls)
}

func TestResilientDoesNotRetryPermanentErrors(t *testing.T) {
	inner := &flakyGateway{err: ErrNothingToCancel}
	r := newTestResilient(inner, 5)

	err := r.CancelAllOpen(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, ErrNothingToCancel)
	assert.True(t, IsIdempotentSuccess(err))
	assert.Equal(t, 1, inner.calls)
}

func TestResilientAppliesPerCallTimeout(t *testing.T) {
	inner := &flakyGateway{}
	r := newTestResilient(inner, 2)

	_, err := r.Holdings(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, inner.calls)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrOrderNotFound))
	assert.True(t, IsTransient(fmt.Errorf("x: %w", ErrTransient)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
}
