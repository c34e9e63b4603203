package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Imrankhan9559/morganxmystic/internal/retry"
)

type flakyConnector struct {
	failures int
	err      error
	calls    int
}

func (f *flakyConnector) Connect(context.Context, Credential) (Session, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return nopSession{}, nil
}

type nopSession struct{}

func (nopSession) Send(context.Context, SendRequest) (*Message, error) { return &Message{ID: 1}, nil }
func (nopSession) Resolve(context.Context, int64) (*Message, error) {
	return nil, ErrMessageNotFound
}
func (nopSession) Stream(context.Context, string, int64, int64) (io.ReadCloser, error) {
	return nil, ErrLocatorExpired
}
func (nopSession) Account() string { return "nop" }
func (nopSession) Close() error    { return nil }

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}
}

func TestInstrumentRetriesTransientConnect(t *testing.T) {
	next := &flakyConnector{failures: 2, err: fmt.Errorf("%w: dial timeout", ErrTransfer)}
	s, err := Instrument(next, fastRetry()).Connect(context.Background(), Credential("c"))
	require.NoError(t, err)
	assert.Equal(t, 3, next.calls)

	msg, err := s.Send(context.Background(), SendRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.ID)

	_, err = s.Resolve(context.Background(), 7)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.NoError(t, s.Close())
}

func TestInstrumentDoesNotRetryBadCredential(t *testing.T) {
	next := &flakyConnector{failures: 5, err: ErrInvalidCredential}
	_, err := Instrument(next, fastRetry()).Connect(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.Equal(t, 1, next.calls)
}

func TestMeteredConnectsOnce(t *testing.T) {
	next := &flakyConnector{failures: 2, err: fmt.Errorf("%w: dial timeout", ErrTransfer)}
	c := Metered(next)

	_, err := c.Connect(context.Background(), Credential("c"))
	assert.ErrorIs(t, err, ErrTransfer)
	assert.Equal(t, 1, next.calls)

	_, err = c.Connect(context.Background(), Credential("c"))
	assert.ErrorIs(t, err, ErrTransfer)
	s, err := c.Connect(context.Background(), Credential("c"))
	require.NoError(t, err)
	assert.Equal(t, 3, next.calls)
	assert.Equal(t, "nop", s.Account())
	assert.NoError(t, s.Close())
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(fmt.Errorf("wrapped: %w", ErrLocatorExpired)))
	assert.False(t, Retryable(context.Canceled))
	assert.True(t, Retryable(ErrTransfer))
	assert.True(t, Retryable(errors.New("connection reset")))
}
