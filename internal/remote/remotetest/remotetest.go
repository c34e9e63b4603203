// Package remotetest provides remote blob service fixtures for tests in
// other packages.
package remotetest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Imrankhan9559/morganxmystic/internal/remote"
	"github.com/Imrankhan9559/morganxmystic/internal/remote/objstore"
	"github.com/Imrankhan9559/morganxmystic/internal/storage/local"
)

// Secret is the locator secret used by New.
var Secret = []byte("remotetest-locator-secret-0123456789")

// New returns an object-store connector backed by a temporary directory.
func New(t testing.TB) *objstore.Connector {
	t.Helper()
	backend, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	require.NoError(t, err)
	c, err := objstore.New(objstore.Config{Backend: backend, LocatorSecret: Secret, LocatorTTL: time.Minute})
	require.NoError(t, err)
	return c
}

// Put sends content as a document on behalf of cred and returns the message.
func Put(t testing.TB, c remote.Connector, cred remote.Credential, name, mimeType string, content []byte) *remote.Message {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	ctx := context.Background()
	s, err := c.Connect(ctx, cred)
	require.NoError(t, err)
	defer s.Close()

	msg, err := s.Send(ctx, remote.SendRequest{Path: path, Name: name, MimeType: mimeType, ForceDocument: true})
	require.NoError(t, err)
	return msg
}

// Counting wraps a Connector and counts opened and closed sessions.
type Counting struct {
	Next   remote.Connector
	opened atomic.Int64
	closed atomic.Int64
}

// Opened returns the number of sessions opened so far.
func (c *Counting) Opened() int64 { return c.opened.Load() }

// Closed returns the number of sessions closed so far.
func (c *Counting) Closed() int64 { return c.closed.Load() }

func (c *Counting) Connect(ctx context.Context, cred remote.Credential) (remote.Session, error) {
	s, err := c.Next.Connect(ctx, cred)
	if err != nil {
		return nil, err
	}
	c.opened.Add(1)
	return &countingSession{Session: s, parent: c}, nil
}

type countingSession struct {
	remote.Session
	parent *Counting
	once   atomic.Bool
}

func (s *countingSession) Close() error {
	if s.once.CompareAndSwap(false, true) {
		s.parent.closed.Add(1)
	}
	return s.Session.Close()
}

// FailingStream wraps a Connector so that every stream yields FailAfter
// bytes and then returns Err.
type FailingStream struct {
	Next      remote.Connector
	FailAfter int64
	Err       error
}

func (f *FailingStream) Connect(ctx context.Context, cred remote.Credential) (remote.Session, error) {
	s, err := f.Next.Connect(ctx, cred)
	if err != nil {
		return nil, err
	}
	return &failingSession{Session: s, parent: f}, nil
}

type failingSession struct {
	remote.Session
	parent *FailingStream
}

func (s *failingSession) Stream(ctx context.Context, locator string, offset, limit int64) (io.ReadCloser, error) {
	rc, err := s.Session.Stream(ctx, locator, offset, limit)
	if err != nil {
		return nil, err
	}
	return &failingReader{rc: rc, left: s.parent.FailAfter, err: s.parent.Err}, nil
}

type failingReader struct {
	rc   io.ReadCloser
	left int64
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.left <= 0 {
		return 0, r.err
	}
	if int64(len(p)) > r.left {
		p = p[:r.left]
	}
	n, err := r.rc.Read(p)
	r.left -= int64(n)
	return n, err
}

func (r *failingReader) Close() error { return r.rc.Close() }
