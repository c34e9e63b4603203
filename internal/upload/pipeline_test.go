package upload

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Imrankhan9559/morganxmystic/internal/events"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata/memory"
	"github.com/Imrankhan9559/morganxmystic/internal/remote"
	"github.com/Imrankhan9559/morganxmystic/internal/remote/remotetest"
	"github.com/Imrankhan9559/morganxmystic/internal/retry"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) forJob(id string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.JobID == id {
			out = append(out, e)
		}
	}
	return out
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}
}

func stage(t *testing.T, dir, content string) string {
	t.Helper()
	f, err := os.CreateTemp(dir, "upload-*")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func waitTerminal(t *testing.T, p *Pipeline, owner, id string) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		j, ok := p.Job(owner, id)
		job = j
		return ok && j.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestUploadThenRead(t *testing.T) {
	ctx := context.Background()
	tree := metadata.NewTree(memory.New())
	conn := remotetest.New(t)
	rec := &recorder{}

	p := NewPipeline(tree, conn, rec, Config{Workers: 2, QueueSize: 4, Retry: fastRetry()})
	p.Start(ctx)
	defer p.Stop(ctx)

	folder, err := tree.CreateFolder(ctx, "Docs", "", "alice")
	require.NoError(t, err)

	content := strings.Repeat("morgan", 1000)
	staged := stage(t, t.TempDir(), content)
	id, err := p.Enqueue(ctx, Request{
		Owner:      "alice",
		Credential: remote.Credential("alice-cred"),
		StagedPath: staged,
		Filename:   "notes.txt",
		MimeType:   "text/plain",
		ParentID:   folder.ID,
		Size:       int64(len(content)),
		Digest:     "sha256:abc",
	})
	require.NoError(t, err)

	job := waitTerminal(t, p, "alice", id)
	require.Equal(t, StatusCompleted, job.Status, job.Error)
	assert.Equal(t, 100, job.Progress)
	assert.NoFileExists(t, staged)

	item, err := tree.Get(ctx, job.ItemID)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", item.Name)
	assert.Equal(t, folder.ID, item.ParentID)
	assert.Equal(t, int64(len(content)), item.Size)
	require.Len(t, item.Parts, 1)
	assert.Equal(t, "sha256:abc", item.Parts[0].Digest)

	s, err := conn.Connect(ctx, remote.Credential("alice-cred"))
	require.NoError(t, err)
	defer s.Close()
	msg, err := s.Resolve(ctx, item.Parts[0].MessageID)
	require.NoError(t, err)
	rc, err := s.Stream(ctx, msg.PrimaryMedia().Locator, 0, 0)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, content, string(got))

	evs := rec.forJob(id)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.EventUploadQueued, evs[0].Type)
	assert.Equal(t, events.EventUploadCompleted, evs[len(evs)-1].Type)
	last := -1
	terminal := 0
	for _, e := range evs {
		assert.GreaterOrEqual(t, e.Progress, last, "progress must not decrease")
		last = e.Progress
		assert.Equal(t, []string{"alice"}, e.Audience)
		if e.Type == events.EventUploadCompleted || e.Type == events.EventUploadFailed {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
}

func TestEnqueueQueueFull(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := NewPipeline(metadata.NewTree(memory.New()), remotetest.New(t), nil, Config{Workers: 1, QueueSize: 1})

	first := stage(t, dir, "a")
	_, err := p.Enqueue(ctx, Request{Owner: "alice", StagedPath: first, Filename: "a.txt"})
	require.NoError(t, err)

	second := stage(t, dir, "b")
	_, err = p.Enqueue(ctx, Request{Owner: "alice", StagedPath: second, Filename: "b.txt"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.NoFileExists(t, second)
	assert.FileExists(t, first)
	assert.Len(t, p.Jobs("alice"), 1)
}

type brokenConnector struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (b *brokenConnector) Connect(context.Context, remote.Credential) (remote.Session, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return nil, b.err
}

func TestUploadFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	tree := metadata.NewTree(memory.New())
	conn := &brokenConnector{err: remote.ErrInvalidCredential}

	p := NewPipeline(tree, conn, nil, Config{Workers: 1, QueueSize: 2, Retry: fastRetry()})
	p.Start(ctx)
	defer p.Stop(ctx)

	staged := stage(t, t.TempDir(), "data")
	id, err := p.Enqueue(ctx, Request{Owner: "bob", StagedPath: staged, Filename: "x.bin"})
	require.NoError(t, err)

	job := waitTerminal(t, p, "bob", id)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "credential")
	assert.NoFileExists(t, staged)

	conn.mu.Lock()
	assert.Equal(t, 1, conn.calls, "permanent errors are not retried")
	conn.mu.Unlock()

	roots, err := tree.ListRoots(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, roots)
}

func TestUploadRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	conn := &flakyConnector{next: remotetest.New(t), failures: 2}

	p := NewPipeline(metadata.NewTree(memory.New()), conn, nil, Config{Workers: 1, QueueSize: 2, Retry: fastRetry()})
	p.Start(ctx)
	defer p.Stop(ctx)

	id, err := p.Enqueue(ctx, Request{
		Owner: "carol", Credential: remote.Credential("c"),
		StagedPath: stage(t, t.TempDir(), "retry me"), Filename: "r.txt",
	})
	require.NoError(t, err)

	job := waitTerminal(t, p, "carol", id)
	assert.Equal(t, StatusCompleted, job.Status, job.Error)
}

func TestUploadAttemptsBoundedByRetryConfig(t *testing.T) {
	ctx := context.Background()
	conn := &brokenConnector{err: errors.Join(remote.ErrTransfer, errors.New("connection reset"))}

	p := NewPipeline(metadata.NewTree(memory.New()), remote.Metered(conn), nil,
		Config{Workers: 1, QueueSize: 2, Retry: fastRetry()})
	p.Start(ctx)
	defer p.Stop(ctx)

	id, err := p.Enqueue(ctx, Request{
		Owner: "erin", Credential: remote.Credential("c"),
		StagedPath: stage(t, t.TempDir(), "never sent"), Filename: "n.txt",
	})
	require.NoError(t, err)

	job := waitTerminal(t, p, "erin", id)
	assert.Equal(t, StatusFailed, job.Status)
	conn.mu.Lock()
	assert.Equal(t, fastRetry().MaxAttempts, conn.calls)
	conn.mu.Unlock()
}

type flakyConnector struct {
	next     remote.Connector
	failures int
	mu       sync.Mutex
}

func (f *flakyConnector) Connect(ctx context.Context, cred remote.Credential) (remote.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.Join(remote.ErrTransfer, errors.New("connection reset"))
	}
	return f.next.Connect(ctx, cred)
}

func TestJobsFilteredByOwner(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := NewPipeline(metadata.NewTree(memory.New()), remotetest.New(t), nil, Config{Workers: 1, QueueSize: 4})

	a, err := p.Enqueue(ctx, Request{Owner: "alice", StagedPath: stage(t, dir, "1"), Filename: "1"})
	require.NoError(t, err)
	_, err = p.Enqueue(ctx, Request{Owner: "bob", StagedPath: stage(t, dir, "2"), Filename: "2"})
	require.NoError(t, err)

	jobs := p.Jobs("alice")
	require.Len(t, jobs, 1)
	assert.Equal(t, a, jobs[0].ID)
	assert.Equal(t, StatusQueued, jobs[0].Status)

	_, ok := p.Job("bob", a)
	assert.False(t, ok)
}

func TestEvictTerminalJobs(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	p := NewPipeline(metadata.NewTree(memory.New()), &brokenConnector{err: remote.ErrInvalidCredential}, nil,
		Config{Workers: 1, QueueSize: 2, JobTTL: time.Hour, Retry: fastRetry()})
	var mu sync.Mutex
	p.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	p.Start(ctx)
	defer p.Stop(ctx)

	id, err := p.Enqueue(ctx, Request{Owner: "dan", StagedPath: stage(t, t.TempDir(), "x"), Filename: "x"})
	require.NoError(t, err)
	waitTerminal(t, p, "dan", id)

	assert.Equal(t, 0, p.Evict())

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	assert.Equal(t, 1, p.Evict())
	_, ok := p.Job("dan", id)
	assert.False(t, ok)
}

func TestEnqueueAfterStop(t *testing.T) {
	ctx := context.Background()
	p := NewPipeline(metadata.NewTree(memory.New()), remotetest.New(t), nil, Config{})
	p.Start(ctx)
	p.Stop(ctx)

	staged := stage(t, t.TempDir(), "late")
	_, err := p.Enqueue(ctx, Request{Owner: "eve", StagedPath: staged, Filename: "late"})
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoFileExists(t, staged)
}

func TestStager(t *testing.T) {
	ctx := context.Background()
	s, err := NewStager(filepath.Join(t.TempDir(), "staging"), 16, 0)
	require.NoError(t, err)

	staged, err := s.Stage(ctx, strings.NewReader("hello"), "greeting.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), staged.Size)
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", staged.Digest.String())
	assert.Equal(t, "text/plain", staged.MimeType)
	assert.Equal(t, s.Dir(), filepath.Dir(staged.Path))

	_, err = s.Stage(ctx, strings.NewReader(strings.Repeat("x", 17)), "big.bin")
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "oversized upload must not leave a staging file")
}

func TestStagerSniffsContent(t *testing.T) {
	s, err := NewStager(t.TempDir(), 0, 0)
	require.NoError(t, err)

	png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"
	staged, err := s.Stage(context.Background(), strings.NewReader(png), "noext")
	require.NoError(t, err)
	assert.Equal(t, "image/png", staged.MimeType)
}

func TestStagerFreeSpace(t *testing.T) {
	s, err := NewStager(t.TempDir(), 0, 1<<20)
	require.NoError(t, err)
	s.freeSpace = func(string) (uint64, error) { return 1024, nil }

	_, err = s.Stage(context.Background(), strings.NewReader("x"), "x")
	assert.ErrorIs(t, err, ErrInsufficientSpace)
}
