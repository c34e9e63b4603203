// Package stream serves file bytes pulled on demand from the remote blob
// service.
//
// Every read connects with the item owner's credential and resolves the
// item's message again, because stored locators expire. The session lives
// exactly as long as the returned body.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Imrankhan9559/morganxmystic/internal/logging"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/metrics"
	"github.com/Imrankhan9559/morganxmystic/internal/remote"
)

// ErrRangeNotSatisfiable is returned when the requested start is past the end.
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// CredentialFunc returns the remote credential of an identity.
type CredentialFunc func(ctx context.Context, identity string) (remote.Credential, error)

// Config tunes the proxy.
type Config struct {
	// StrictMedia fails requests whose message carries no media instead of
	// serving an empty body.
	StrictMedia bool
	// ChunkSize is the copy buffer size used when writing responses.
	ChunkSize int64
}

// Proxy opens range-aware streams of file items.
type Proxy struct {
	connector   remote.Connector
	credentials CredentialFunc
	cfg         Config
}

// New creates a Proxy.
func New(connector remote.Connector, credentials CredentialFunc, cfg Config) *Proxy {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1 << 20
	}
	return &Proxy{connector: connector, credentials: credentials, cfg: cfg}
}

// ChunkSize returns the configured copy buffer size.
func (p *Proxy) ChunkSize() int64 { return p.cfg.ChunkSize }

// Response is a ready-to-write streaming response.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// ParseRange parses a "bytes=START-" header. The end bound, if present, is
// ignored; an empty start means 0. ok is false when header is empty.
func ParseRange(header string) (start int64, ok bool, err error) {
	if header == "" {
		return 0, false, nil
	}
	set, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || strings.Contains(set, ",") {
		return 0, false, fmt.Errorf("%w: unsupported range %q", metadata.ErrValidation, header)
	}
	startStr, endStr, found := strings.Cut(set, "-")
	if !found {
		return 0, false, fmt.Errorf("%w: malformed range %q", metadata.ErrValidation, header)
	}
	startStr = strings.TrimSpace(startStr)
	if startStr == "" {
		return 0, true, nil
	}
	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, false, fmt.Errorf("%w: malformed range start %q", metadata.ErrValidation, header)
	}
	if endStr = strings.TrimSpace(endStr); endStr != "" {
		if end, err := strconv.ParseInt(endStr, 10, 64); err != nil || end < start {
			return 0, false, fmt.Errorf("%w: malformed range end %q", metadata.ErrValidation, header)
		}
	}
	return start, true, nil
}

func contentDisposition(name string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", "", "\n", "")
	return `inline; filename="` + r.Replace(name) + `"`
}

// Open prepares a response for item honoring rangeHeader. Authorization is
// the caller's job.
func (p *Proxy) Open(ctx context.Context, item *metadata.Item, rangeHeader string) (*Response, error) {
	if item.IsFolder {
		return nil, fmt.Errorf("%w: %s is a folder", metadata.ErrValidation, item.ID)
	}
	start, ranged, err := ParseRange(rangeHeader)
	if err != nil {
		return nil, err
	}
	size := item.Size
	if size <= 0 {
		size, start, ranged = 0, 0, false
	}
	if ranged && start >= size {
		return nil, fmt.Errorf("%w: start %d, size %d", ErrRangeNotSatisfiable, start, size)
	}

	var body io.ReadCloser
	if size > 0 {
		body, err = p.Fetch(ctx, item, start)
		if errors.Is(err, remote.ErrNoMedia) && !p.cfg.StrictMedia {
			metrics.RecordEmptyMedia()
			logging.WithContext(ctx).Warn("message carries no media, serving empty body",
				zap.String("item_id", item.ID))
			body, err = io.NopCloser(strings.NewReader("")), nil
			size, start, ranged = 0, 0, false
		}
		if err != nil {
			return nil, err
		}
	} else {
		body = io.NopCloser(strings.NewReader(""))
	}

	mimeType := item.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h := make(http.Header)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(size-start, 10))
	h.Set("Content-Type", mimeType)
	h.Set("Content-Disposition", contentDisposition(item.Name))

	status := http.StatusOK
	if ranged {
		status = http.StatusPartialContent
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, size-1, size))
	}
	return &Response{Status: status, Header: h, Body: body}, nil
}

// Fetch opens item's bytes from offset to the end using the owner's
// credential. The body yields at most Size-offset bytes.
func (p *Proxy) Fetch(ctx context.Context, item *metadata.Item, offset int64) (io.ReadCloser, error) {
	if len(item.Parts) == 0 {
		return nil, fmt.Errorf("%w: item %s has no content", metadata.ErrNotFound, item.ID)
	}
	cred, err := p.credentials(ctx, item.Owner)
	if err != nil {
		return nil, fmt.Errorf("credential for %s: %w", item.Owner, err)
	}

	session, err := p.connector.Connect(ctx, cred)
	if err != nil {
		return nil, err
	}
	rc, err := openMedia(ctx, session, item.Parts[0].MessageID, offset)
	if err != nil {
		session.Close()
		return nil, err
	}

	var src io.Reader = rc
	if item.Size > 0 {
		src = io.LimitReader(rc, max(item.Size-offset, 0))
	}
	b := &body{ctx: ctx, src: src, rc: rc, session: session, itemID: item.ID}
	stop := context.AfterFunc(ctx, func() { b.Close() })
	b.stop.Store(&stop)
	metrics.StreamOpened()
	return b, nil
}

// openMedia resolves messageID and opens its primary media at offset.
func openMedia(ctx context.Context, session remote.Session, messageID, offset int64) (io.ReadCloser, error) {
	msg, err := session.Resolve(ctx, messageID)
	if err != nil {
		return nil, err
	}
	media := msg.PrimaryMedia()
	if media == nil {
		return nil, fmt.Errorf("message %d: %w", messageID, remote.ErrNoMedia)
	}
	return session.Stream(ctx, media.Locator, offset, 0)
}

// body closes the remote stream and session exactly once: at EOF, on a read
// error, on Close, or when the request context ends.
type body struct {
	ctx     context.Context
	src     io.Reader
	rc      io.ReadCloser
	session remote.Session
	itemID  string
	stop    atomic.Pointer[func() bool]

	n      atomic.Int64
	failed atomic.Bool
	closed atomic.Bool
	once   sync.Once
}

func (b *body) Read(p []byte) (int, error) {
	if b.closed.Load() {
		if err := b.ctx.Err(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	n, err := b.src.Read(p)
	b.n.Add(int64(n))
	switch {
	case err == io.EOF:
		b.Close()
	case err != nil:
		b.failed.Store(true)
		logging.WithContext(b.ctx).Warn("stream ended early",
			zap.String("item_id", b.itemID),
			zap.Int64("bytes", b.n.Load()),
			zap.Error(err))
		b.Close()
	}
	return n, err
}

func (b *body) Close() error {
	b.once.Do(func() {
		b.closed.Store(true)
		if stop := b.stop.Load(); stop != nil {
			(*stop)()
		}
		b.rc.Close()
		if err := b.session.Close(); err != nil {
			logging.Debug("close remote session", zap.Error(err))
		}
		if b.ctx.Err() != nil {
			b.failed.Store(true)
		}
		metrics.StreamClosed()
		metrics.RecordStream(b.n.Load(), !b.failed.Load())
	})
	return nil
}
