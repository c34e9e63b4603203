// Package upload transmits staged files to the remote blob service in the
// background and records each completed transfer as a tree item.
package upload

import (
	"cmp"
	"context"
	"errors"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/Imrankhan9559/morganxmystic/internal/events"
	"github.com/Imrankhan9559/morganxmystic/internal/logging"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/metrics"
	"github.com/Imrankhan9559/morganxmystic/internal/protocol"
	"github.com/Imrankhan9559/morganxmystic/internal/remote"
	"github.com/Imrankhan9559/morganxmystic/internal/retry"
)

var (
	// ErrQueueFull is returned by Enqueue when no queue slot is free.
	ErrQueueFull = errors.New("upload queue is full")
	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("upload pipeline stopped")
)

// Status is the state of an upload job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the observable state of one upload.
type Job struct {
	ID        string    `json:"id"`
	Owner     string    `json:"-"`
	Filename  string    `json:"filename"`
	ParentID  string    `json:"parent_id,omitempty"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	ItemID    string    `json:"item_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Request describes a staged file ready for transmission. The pipeline owns
// StagedPath from the moment Enqueue is called.
type Request struct {
	Owner      string
	Credential remote.Credential
	StagedPath string
	Filename   string
	MimeType   string
	ParentID   string
	Size       int64
	Digest     digest.Digest
}

// Publisher receives job transitions.
type Publisher interface {
	Publish(events.Event)
}

// Config sizes the pipeline.
type Config struct {
	Workers   int
	QueueSize int
	// JobTTL is how long terminal jobs stay visible.
	JobTTL time.Duration
	Retry  retry.Config
}

// Pipeline runs uploads on a bounded worker pool.
type Pipeline struct {
	tree      *metadata.Tree
	connector remote.Connector
	publisher Publisher
	cfg       Config
	now       func() time.Time

	queue   chan *task
	mu      sync.RWMutex
	jobs    map[string]*Job
	stopped bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type task struct {
	id  string
	req Request
}

// NewPipeline creates a pipeline. Call Start before Enqueue.
func NewPipeline(tree *metadata.Tree, connector remote.Connector, publisher Publisher, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 24 * time.Hour
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	cfg.Retry.ShouldRetry = remote.Retryable
	return &Pipeline{
		tree:      tree,
		connector: connector,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		queue:     make(chan *task, cfg.QueueSize),
		jobs:      make(map[string]*Job),
	}
}

// Start launches the worker goroutines and the job janitor.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	go p.janitor(ctx)
	logging.Info("upload pipeline started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Stop rejects new uploads and waits for queued and running jobs to finish.
// If ctx expires first, running jobs are cancelled and end as failed.
func (p *Pipeline) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn("upload pipeline stop timed out, cancelling running jobs")
		if p.cancel != nil {
			p.cancel()
		}
		<-done
	}
	if p.cancel != nil {
		p.cancel()
	}
	logging.Info("upload pipeline stopped")
}

// Enqueue registers a job for req and hands it to the worker pool. It never
// blocks: when the queue is full the staged file is removed and ErrQueueFull
// returned.
func (p *Pipeline) Enqueue(ctx context.Context, req Request) (string, error) {
	now := p.now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Owner:     req.Owner,
		Filename:  req.Filename,
		ParentID:  req.ParentID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		removeStaged(req.StagedPath)
		return "", ErrStopped
	}
	p.jobs[job.ID] = job
	select {
	case p.queue <- &task{id: job.ID, req: req}:
	default:
		delete(p.jobs, job.ID)
		p.mu.Unlock()
		removeStaged(req.StagedPath)
		metrics.RecordUploadRejected()
		logging.WithContext(ctx).Warn("upload queue full, rejecting",
			zap.String("owner", req.Owner),
			zap.String("filename", req.Filename))
		return "", ErrQueueFull
	}
	// Published under the lock so it precedes the worker's first event.
	p.publish(*job, events.EventUploadQueued)
	tracked := len(p.jobs)
	p.mu.Unlock()

	metrics.SetUploadQueueDepth(len(p.queue))
	metrics.SetUploadJobsTracked(tracked)

	logging.WithContext(ctx).Info("upload queued",
		zap.String("job_id", job.ID),
		zap.String("owner", req.Owner),
		zap.String("filename", req.Filename),
		zap.Int64("size", req.Size))
	return job.ID, nil
}

// Jobs returns the caller's tracked jobs, oldest first.
func (p *Pipeline) Jobs(owner string) []Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Job
	for _, j := range p.jobs {
		if j.Owner == owner {
			out = append(out, *j)
		}
	}
	slices.SortFunc(out, func(a, b Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Job returns one of owner's jobs.
func (p *Pipeline) Job(owner, id string) (Job, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	j, ok := p.jobs[id]
	if !ok || j.Owner != owner {
		return Job{}, false
	}
	return *j, true
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for t := range p.queue {
		metrics.SetUploadQueueDepth(len(p.queue))
		p.process(ctx, t.id, &t.req)
	}
}

func (p *Pipeline) process(ctx context.Context, id string, req *Request) {
	defer removeStaged(req.StagedPath)

	log := logging.L().With(zap.String("job_id", id), zap.String("owner", req.Owner))
	p.transition(id, events.EventUploadStarted, func(j *Job) { j.Status = StatusUploading })

	cfg := p.cfg.Retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("upload attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	msg, err := retry.DoWithResult(ctx, cfg, func() (*remote.Message, error) {
		return p.send(ctx, id, req)
	})
	if err != nil {
		p.fail(id, req, err)
		return
	}

	media := msg.PrimaryMedia()
	if media == nil {
		p.fail(id, req, remote.ErrNoMedia)
		return
	}

	item := &metadata.Item{
		Name:     req.Filename,
		ParentID: req.ParentID,
		Owner:    req.Owner,
		Size:     media.Size,
		MimeType: req.MimeType,
		Parts: []metadata.Part{{
			Locator:    media.Locator,
			MessageID:  msg.ID,
			PartNumber: 1,
			Size:       media.Size,
			Digest:     req.Digest.String(),
		}},
		Extra: map[string]string{"upload_job": id},
	}
	if err := p.tree.AddFile(ctx, item); err != nil {
		p.fail(id, req, err)
		return
	}

	p.transition(id, events.EventUploadCompleted, func(j *Job) {
		j.Status = StatusCompleted
		j.Progress = 100
		j.ItemID = item.ID
	})
	metrics.RecordUploadJob(string(StatusCompleted), media.Size)
	log.Info("upload completed",
		zap.String("item_id", item.ID),
		zap.Int64("message_id", msg.ID),
		zap.Int64("size", media.Size))
}

func (p *Pipeline) send(ctx context.Context, id string, req *Request) (*remote.Message, error) {
	session, err := p.connector.Connect(ctx, req.Credential)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	return session.Send(ctx, remote.SendRequest{
		Path:          req.StagedPath,
		Name:          req.Filename,
		MimeType:      req.MimeType,
		ForceDocument: true,
		Progress: func(sent, total int64) {
			p.progress(id, sent, total)
		},
	})
}

// progress raises the job's percentage. It never lowers it, so a retried
// send that starts over does not move the bar backwards.
func (p *Pipeline) progress(id string, sent, total int64) {
	pct := 100
	if total > 0 {
		pct = int(sent * 100 / total)
	}
	pct = min(max(pct, 0), 100)

	p.mu.Lock()
	j, ok := p.jobs[id]
	if !ok || j.Status != StatusUploading || pct <= j.Progress {
		p.mu.Unlock()
		return
	}
	j.Progress = pct
	j.UpdatedAt = p.now().UTC()
	snapshot := *j
	p.mu.Unlock()

	p.publish(snapshot, events.EventUploadProgress)
}

func (p *Pipeline) fail(id string, req *Request, err error) {
	p.transition(id, events.EventUploadFailed, func(j *Job) {
		j.Status = StatusFailed
		j.Error = err.Error()
	})
	metrics.RecordUploadJob(string(StatusFailed), 0)
	logging.Error("upload failed",
		zap.String("job_id", id),
		zap.String("owner", req.Owner),
		zap.String("filename", req.Filename),
		zap.Error(err))
}

func (p *Pipeline) transition(id, eventType string, fn func(*Job)) {
	p.mu.Lock()
	j, ok := p.jobs[id]
	if !ok || j.Status.Terminal() {
		p.mu.Unlock()
		return
	}
	fn(j)
	j.UpdatedAt = p.now().UTC()
	snapshot := *j
	p.mu.Unlock()

	p.publish(snapshot, eventType)
}

func (p *Pipeline) publish(j Job, eventType string) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(events.Event{
		SSEEvent: protocol.SSEEvent{
			Type:     eventType,
			JobID:    j.ID,
			ItemID:   j.ItemID,
			ParentID: j.ParentID,
			Status:   string(j.Status),
			Progress: j.Progress,
			Error:    j.Error,
		},
		Audience: []string{j.Owner},
	})
}

// Evict drops terminal jobs last updated before the TTL.
func (p *Pipeline) Evict() int {
	cutoff := p.now().UTC().Add(-p.cfg.JobTTL)
	p.mu.Lock()
	removed := 0
	for id, j := range p.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(p.jobs, id)
			removed++
		}
	}
	tracked := len(p.jobs)
	p.mu.Unlock()

	metrics.SetUploadJobsTracked(tracked)
	if removed > 0 {
		logging.Debug("evicted upload jobs", zap.Int("count", removed))
	}
	return removed
}

func (p *Pipeline) janitor(ctx context.Context) {
	interval := min(p.cfg.JobTTL/4, 10*time.Minute)
	interval = max(interval, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Evict()
		}
	}
}

func removeStaged(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Debug("failed to remove staged file", zap.String("path", path), zap.Error(err))
	}
}
