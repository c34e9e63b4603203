package remote

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/Imrankhan9559/morganxmystic/internal/metrics"
	"github.com/Imrankhan9559/morganxmystic/internal/retry"
)

// Retryable reports whether err is worth retrying. Missing messages, bad
// credentials and expired locators are permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrInvalidCredential),
		errors.Is(err, ErrLocatorExpired),
		errors.Is(err, ErrNoMedia),
		errors.Is(err, ErrSessionClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Instrument wraps a Connector so that every call is timed and counted, and
// Connect is retried on transient errors.
func Instrument(c Connector, retryCfg retry.Config) Connector {
	return &instrumented{next: c, retry: retryCfg}
}

// Metered wraps a Connector so that every call is timed and counted, without
// retries. Use it for callers that already retry the whole operation.
func Metered(c Connector) Connector {
	return &instrumented{next: c, retry: retry.Config{MaxAttempts: 1}}
}

type instrumented struct {
	next  Connector
	retry retry.Config
}

func observe(op string, start time.Time, err error) {
	metrics.RecordRemoteOperation(op, time.Since(start), err == nil)
}

func (c *instrumented) Connect(ctx context.Context, cred Credential) (Session, error) {
	cfg := c.retry
	cfg.ShouldRetry = Retryable
	s, err := retry.DoWithResult(ctx, cfg, func() (Session, error) {
		start := time.Now()
		s, err := c.next.Connect(ctx, cred)
		observe("connect", start, err)
		return s, err
	})
	if err != nil {
		return nil, err
	}
	return &instrumentedSession{next: s}, nil
}

type instrumentedSession struct {
	next Session
}

func (s *instrumentedSession) Account() string {
	return s.next.Account()
}

func (s *instrumentedSession) Send(ctx context.Context, req SendRequest) (*Message, error) {
	start := time.Now()
	m, err := s.next.Send(ctx, req)
	observe("send", start, err)
	return m, err
}

func (s *instrumentedSession) Resolve(ctx context.Context, messageID int64) (*Message, error) {
	start := time.Now()
	m, err := s.next.Resolve(ctx, messageID)
	observe("resolve", start, err)
	return m, err
}

func (s *instrumentedSession) Stream(ctx context.Context, locator string, offset, limit int64) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.next.Stream(ctx, locator, offset, limit)
	observe("stream_open", start, err)
	return rc, err
}

func (s *instrumentedSession) Close() error {
	return s.next.Close()
}
