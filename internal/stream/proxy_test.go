package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/remote"
	"github.com/Imrankhan9559/morganxmystic/internal/remote/remotetest"
)

const content = "0123456789abcdefghijklmnopqrstuvwxyz"

var ownerCred = remote.Credential("owner-session")

func creds(_ context.Context, identity string) (remote.Credential, error) {
	if identity == "owner" {
		return ownerCred, nil
	}
	return nil, metadata.ErrNotFound
}

func setup(t *testing.T, cfg Config) (*Proxy, *remotetest.Counting, *metadata.Item) {
	t.Helper()
	conn := &remotetest.Counting{Next: remotetest.New(t)}
	msg := remotetest.Put(t, conn.Next, ownerCred, "alpha.txt", "text/plain", []byte(content))
	item := &metadata.Item{
		ID:       "item-1",
		Name:     "alpha.txt",
		Owner:    "owner",
		Size:     int64(len(content)),
		MimeType: "text/plain",
		Parts:    []metadata.Part{{Locator: "stale-locator", MessageID: msg.ID, PartNumber: 1, Size: int64(len(content))}},
	}
	return New(conn, creds, cfg), conn, item
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	return string(data)
}

func TestOpenWithoutRange(t *testing.T) {
	p, conn, item := setup(t, Config{})

	resp, err := p.Open(context.Background(), item, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "36", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, `inline; filename="alpha.txt"`, resp.Header.Get("Content-Disposition"))
	assert.Empty(t, resp.Header.Get("Content-Range"))

	assert.Equal(t, content, readAll(t, resp.Body))
	assert.Equal(t, int64(1), conn.Opened())
	assert.Equal(t, int64(1), conn.Closed())
}

func TestOpenWithRange(t *testing.T) {
	tests := []struct {
		header string
		start  int
	}{
		{"bytes=0-", 0},
		{"bytes=10-", 10},
		{"bytes=35-", 35},
		{"bytes=5-7", 5},
		{"bytes=-", 0},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			p, conn, item := setup(t, Config{})
			resp, err := p.Open(context.Background(), item, tt.header)
			require.NoError(t, err)

			n := len(content)
			assert.Equal(t, http.StatusPartialContent, resp.Status)
			assert.Equal(t, "bytes "+strconv.Itoa(tt.start)+"-"+strconv.Itoa(n-1)+"/"+strconv.Itoa(n), resp.Header.Get("Content-Range"))
			assert.Equal(t, strconv.Itoa(n-tt.start), resp.Header.Get("Content-Length"))
			assert.Equal(t, content[tt.start:], readAll(t, resp.Body))
			assert.Equal(t, conn.Opened(), conn.Closed())
		})
	}
}

func TestOpenRejectsBadRanges(t *testing.T) {
	p, conn, item := setup(t, Config{})

	for _, h := range []string{"items=0-", "bytes=abc-", "bytes=3a-", "bytes=1-2,4-5", "bytes=9-3", "bytes=7"} {
		_, err := p.Open(context.Background(), item, h)
		assert.ErrorIs(t, err, metadata.ErrValidation, h)
	}

	_, err := p.Open(context.Background(), item, "bytes=36-")
	assert.ErrorIs(t, err, ErrRangeNotSatisfiable)
	_, err = p.Open(context.Background(), item, "bytes=1000-")
	assert.ErrorIs(t, err, ErrRangeNotSatisfiable)

	assert.Zero(t, conn.Opened(), "no session is opened for rejected ranges")
}

func TestOpenFolderRejected(t *testing.T) {
	p, _, _ := setup(t, Config{})
	_, err := p.Open(context.Background(), &metadata.Item{ID: "f", IsFolder: true}, "")
	assert.ErrorIs(t, err, metadata.ErrValidation)
}

func TestSessionClosedOnCancel(t *testing.T) {
	p, conn, item := setup(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	resp, err := p.Open(ctx, item, "bytes=4-")
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, "4567", string(buf))

	cancel()
	require.Eventually(t, func() bool { return conn.Closed() == 1 }, time.Second, 5*time.Millisecond)

	_, err = resp.Body.Read(buf)
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, int64(1), conn.Closed(), "session closed exactly once")
}

func TestUpstreamFailureTruncatesBody(t *testing.T) {
	_, _, item := setup(t, Config{})
	base := remotetest.New(t)
	msg := remotetest.Put(t, base, ownerCred, "alpha.txt", "text/plain", []byte(content))
	item.Parts[0].MessageID = msg.ID

	boom := errors.New("connection dropped")
	conn := &remotetest.Counting{Next: &remotetest.FailingStream{Next: base, FailAfter: 8, Err: boom}}
	p := New(conn, creds, Config{})

	resp, err := p.Open(context.Background(), item, "")
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, content[:8], string(data))
	assert.Equal(t, int64(1), conn.Closed())
	resp.Body.Close()
	assert.Equal(t, int64(1), conn.Closed())
}

type noMediaConnector struct{}

func (noMediaConnector) Connect(context.Context, remote.Credential) (remote.Session, error) {
	return noMediaSession{}, nil
}

type noMediaSession struct{}

func (noMediaSession) Send(context.Context, remote.SendRequest) (*remote.Message, error) {
	return nil, remote.ErrTransfer
}
func (noMediaSession) Resolve(_ context.Context, id int64) (*remote.Message, error) {
	return &remote.Message{ID: id}, nil
}
func (noMediaSession) Stream(context.Context, string, int64, int64) (io.ReadCloser, error) {
	return nil, remote.ErrLocatorExpired
}
func (noMediaSession) Account() string { return "no-media" }
func (noMediaSession) Close() error    { return nil }

func TestEmptyMedia(t *testing.T) {
	item := &metadata.Item{ID: "i", Name: "ghost.bin", Owner: "owner", Size: 10, Parts: []metadata.Part{{MessageID: 3}}}

	lenient := New(noMediaConnector{}, creds, Config{})
	resp, err := lenient.Open(context.Background(), item, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "0", resp.Header.Get("Content-Length"))
	assert.Empty(t, readAll(t, resp.Body))

	strict := New(noMediaConnector{}, creds, Config{StrictMedia: true})
	_, err = strict.Open(context.Background(), item, "")
	assert.ErrorIs(t, err, remote.ErrNoMedia)

	_, err = lenient.Fetch(context.Background(), item, 0)
	assert.ErrorIs(t, err, remote.ErrNoMedia, "Fetch always reports missing media")
}

func TestFetchUnknownOwner(t *testing.T) {
	p, _, item := setup(t, Config{})
	item.Owner = "stranger"
	_, err := p.Fetch(context.Background(), item, 0)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestEmptyFile(t *testing.T) {
	p, conn, item := setup(t, Config{})
	item.Size = 0

	resp, err := p.Open(context.Background(), item, "bytes=0-")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "0", resp.Header.Get("Content-Length"))
	assert.Empty(t, readAll(t, resp.Body))
	assert.Zero(t, conn.Opened())
}
