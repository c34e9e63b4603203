package objstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Imrankhan9559/morganxmystic/internal/remote"
	"github.com/Imrankhan9559/morganxmystic/internal/storage/local"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newConnector(t *testing.T, clock *fakeClock) *Connector {
	t.Helper()
	backend, err := local.New(local.Config{RootPath: t.TempDir(), CreateDirs: true})
	require.NoError(t, err)
	cfg := Config{Backend: backend, LocatorSecret: testSecret, LocatorTTL: time.Minute}
	if clock != nil {
		cfg.Now = clock.Now
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConnectRejectsEmptyCredential(t *testing.T) {
	c := newConnector(t, nil)
	_, err := c.Connect(context.Background(), nil)
	assert.ErrorIs(t, err, remote.ErrInvalidCredential)
}

func TestSendResolveStream(t *testing.T) {
	ctx := context.Background()
	c := newConnector(t, nil)
	s, err := c.Connect(ctx, remote.Credential("alice-session"))
	require.NoError(t, err)
	defer s.Close()

	var progress [][2]int64
	msg, err := s.Send(ctx, remote.SendRequest{
		Path:          writeFile(t, "hello remote world"),
		Name:          "hello.txt",
		MimeType:      "text/plain",
		ForceDocument: true,
		Progress:      func(sent, total int64) { progress = append(progress, [2]int64{sent, total}) },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.ID)
	require.NotNil(t, msg.Document)
	assert.Equal(t, int64(18), msg.Document.Size)
	assert.Equal(t, "hello.txt", msg.Document.FileName)

	require.NotEmpty(t, progress)
	assert.Equal(t, [2]int64{18, 18}, progress[len(progress)-1])

	resolved, err := s.Resolve(ctx, msg.ID)
	require.NoError(t, err)
	media := resolved.PrimaryMedia()
	require.NotNil(t, media)

	rc, err := s.Stream(ctx, media.Locator, 6, 6)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "remote", string(data))

	rc, err = s.Stream(ctx, media.Locator, 13, 0)
	require.NoError(t, err)
	data, err = io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "world", string(data))
}

func TestMessageIDsIncrease(t *testing.T) {
	ctx := context.Background()
	c := newConnector(t, nil)
	s, err := c.Connect(ctx, remote.Credential("bob"))
	require.NoError(t, err)

	path := writeFile(t, "x")
	for want := int64(1); want <= 3; want++ {
		msg, err := s.Send(ctx, remote.SendRequest{Path: path, ForceDocument: true})
		require.NoError(t, err)
		assert.Equal(t, want, msg.ID)
	}
}

func TestMediaKinds(t *testing.T) {
	tests := []struct {
		mime  string
		force bool
		want  remote.MediaKind
	}{
		{"video/mp4", false, remote.MediaVideo},
		{"video/mp4", true, remote.MediaDocument},
		{"audio/mpeg", false, remote.MediaAudio},
		{"image/png", false, remote.MediaPhoto},
		{"image/svg+xml", false, remote.MediaDocument},
		{"application/pdf", false, remote.MediaDocument},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mediaKindFor(tt.mime, tt.force), "%s force=%v", tt.mime, tt.force)
	}
}

func TestVideoSlot(t *testing.T) {
	ctx := context.Background()
	c := newConnector(t, nil)
	s, err := c.Connect(ctx, remote.Credential("carol"))
	require.NoError(t, err)

	msg, err := s.Send(ctx, remote.SendRequest{Path: writeFile(t, "frames"), MimeType: "video/mp4"})
	require.NoError(t, err)
	assert.Nil(t, msg.Document)
	require.NotNil(t, msg.Video)
	assert.Same(t, msg.Video, msg.PrimaryMedia())
}

func TestResolveUnknownMessage(t *testing.T) {
	ctx := context.Background()
	c := newConnector(t, nil)
	s, err := c.Connect(ctx, remote.Credential("dave"))
	require.NoError(t, err)

	_, err = s.Resolve(ctx, 42)
	assert.ErrorIs(t, err, remote.ErrMessageNotFound)
}

func TestLocatorExpires(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := newConnector(t, clock)
	s, err := c.Connect(ctx, remote.Credential("erin"))
	require.NoError(t, err)

	msg, err := s.Send(ctx, remote.SendRequest{Path: writeFile(t, "abc"), ForceDocument: true})
	require.NoError(t, err)
	stale := msg.Document.Locator

	clock.t = clock.t.Add(2 * time.Minute)
	_, err = s.Stream(ctx, stale, 0, 0)
	assert.ErrorIs(t, err, remote.ErrLocatorExpired)

	fresh, err := s.Resolve(ctx, msg.ID)
	require.NoError(t, err)
	rc, err := s.Stream(ctx, fresh.Document.Locator, 0, 0)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "abc", string(data))
}

func TestLocatorBoundToAccount(t *testing.T) {
	ctx := context.Background()
	c := newConnector(t, nil)
	alice, err := c.Connect(ctx, remote.Credential("alice"))
	require.NoError(t, err)
	mallory, err := c.Connect(ctx, remote.Credential("mallory"))
	require.NoError(t, err)

	msg, err := alice.Send(ctx, remote.SendRequest{Path: writeFile(t, "secret"), ForceDocument: true})
	require.NoError(t, err)

	_, err = mallory.Stream(ctx, msg.Document.Locator, 0, 0)
	assert.ErrorIs(t, err, remote.ErrLocatorExpired)

	_, err = alice.Stream(ctx, strings.ToUpper(msg.Document.Locator), 0, 0)
	assert.ErrorIs(t, err, remote.ErrLocatorExpired)
}

func TestClosedSession(t *testing.T) {
	ctx := context.Background()
	c := newConnector(t, nil)
	s, err := c.Connect(ctx, remote.Credential("frank"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Resolve(ctx, 1)
	assert.ErrorIs(t, err, remote.ErrSessionClosed)
}

func TestStreamStopsOnCancel(t *testing.T) {
	c := newConnector(t, nil)
	s, err := c.Connect(context.Background(), remote.Credential("gina"))
	require.NoError(t, err)
	msg, err := s.Send(context.Background(), remote.SendRequest{Path: writeFile(t, "0123456789"), ForceDocument: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rc, err := s.Stream(ctx, msg.Document.Locator, 0, 0)
	require.NoError(t, err)
	defer rc.Close()
	cancel()

	_, err = rc.Read(make([]byte, 4))
	assert.ErrorIs(t, err, context.Canceled)
}
