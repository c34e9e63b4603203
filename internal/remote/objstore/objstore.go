// Package objstore implements the remote blob service on top of an object
// storage backend.
//
// Every account owns a message log under accounts/<account>/:
//
//	counter                 last issued message id
//	messages/<id>.json      message record
//	media/<id>              media bytes
//
// Locators handed out by Send and Resolve are short-lived HS256 tokens naming
// the media object, so a stored locator stops working once it expires and
// readers have to resolve the message again.
package objstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Imrankhan9559/morganxmystic/internal/remote"
	"github.com/Imrankhan9559/morganxmystic/internal/storage"
)

// Config configures a Connector.
type Config struct {
	Backend       storage.Backend
	LocatorSecret []byte
	LocatorTTL    time.Duration
	// Now overrides time.Now, for tests.
	Now func() time.Time
}

// Connector opens sessions against a storage backend.
type Connector struct {
	backend storage.Backend
	secret  []byte
	ttl     time.Duration
	now     func() time.Time

	mu       sync.Mutex
	counters map[string]*sync.Mutex
}

var _ remote.Connector = (*Connector)(nil)

// New creates a Connector.
func New(cfg Config) (*Connector, error) {
	if cfg.Backend == nil {
		return nil, errors.New("objstore: backend is required")
	}
	if len(cfg.LocatorSecret) < 16 {
		return nil, errors.New("objstore: locator secret must be at least 16 bytes")
	}
	if cfg.LocatorTTL <= 0 {
		cfg.LocatorTTL = 15 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Connector{
		backend:  cfg.Backend,
		secret:   cfg.LocatorSecret,
		ttl:      cfg.LocatorTTL,
		now:      cfg.Now,
		counters: make(map[string]*sync.Mutex),
	}, nil
}

// AccountID derives the account name from a credential.
func AccountID(cred remote.Credential) string {
	sum := sha256.Sum256(cred)
	return hex.EncodeToString(sum[:16])
}

func counterKey(acct string) string { return "accounts/" + acct + "/counter" }

func recordKey(acct string, id int64) string {
	return "accounts/" + acct + "/messages/" + strconv.FormatInt(id, 10) + ".json"
}

func mediaKey(acct string, id int64) string {
	return "accounts/" + acct + "/media/" + strconv.FormatInt(id, 10)
}

// Connect opens a session for cred.
func (c *Connector) Connect(ctx context.Context, cred remote.Credential) (remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(cred) == 0 {
		return nil, remote.ErrInvalidCredential
	}
	return &session{conn: c, account: AccountID(cred)}, nil
}

// nextID allocates the next message id for acct. Allocation is serialized
// per account within this process only.
func (c *Connector) nextID(ctx context.Context, acct string) (int64, error) {
	c.mu.Lock()
	lock, ok := c.counters[acct]
	if !ok {
		lock = &sync.Mutex{}
		c.counters[acct] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	var last int64
	rc, _, err := c.backend.GetObject(ctx, counterKey(acct), 0, 0)
	switch {
	case err == nil:
		data, readErr := io.ReadAll(rc)
		rc.Close()
		if readErr != nil {
			return 0, readErr
		}
		last, err = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt counter for %s: %w", acct, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return 0, err
	}

	next := last + 1
	body := strconv.FormatInt(next, 10)
	if err := c.backend.PutObject(ctx, counterKey(acct), strings.NewReader(body), int64(len(body))); err != nil {
		return 0, err
	}
	return next, nil
}

type locatorClaims struct {
	Account string `json:"acc"`
	Key     string `json:"key"`
	Size    int64  `json:"size"`
	jwt.RegisteredClaims
}

func (c *Connector) issueLocator(acct, key string, size int64) (string, error) {
	now := c.now()
	claims := locatorClaims{
		Account: acct,
		Key:     key,
		Size:    size,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *Connector) parseLocator(locator string) (*locatorClaims, error) {
	var claims locatorClaims
	_, err := jwt.ParseWithClaims(locator, &claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrLocatorExpired, err)
	}
	return &claims, nil
}

// record is the stored form of a message.
type record struct {
	ID        int64            `json:"id"`
	Date      time.Time        `json:"date"`
	Kind      remote.MediaKind `json:"kind,omitempty"`
	ObjectKey string           `json:"object_key,omitempty"`
	Size      int64            `json:"size"`
	MimeType  string           `json:"mime_type,omitempty"`
	FileName  string           `json:"file_name,omitempty"`
}

// mediaKindFor picks the media slot for a MIME type.
func mediaKindFor(mimeType string, forceDocument bool) remote.MediaKind {
	switch {
	case forceDocument:
		return remote.MediaDocument
	case strings.HasPrefix(mimeType, "video/"):
		return remote.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return remote.MediaAudio
	case mimeType == "image/jpeg" || mimeType == "image/png" || mimeType == "image/webp":
		return remote.MediaPhoto
	default:
		return remote.MediaDocument
	}
}

type session struct {
	conn    *Connector
	account string
	closed  atomic.Bool
}

func (s *session) Account() string { return s.account }

func (s *session) check(ctx context.Context) error {
	if s.closed.Load() {
		return remote.ErrSessionClosed
	}
	return ctx.Err()
}

func (s *session) message(rec *record) (*remote.Message, error) {
	msg := &remote.Message{ID: rec.ID, Date: rec.Date}
	if rec.ObjectKey == "" {
		return msg, nil
	}
	locator, err := s.conn.issueLocator(s.account, rec.ObjectKey, rec.Size)
	if err != nil {
		return nil, fmt.Errorf("issue locator: %w", err)
	}
	media := &remote.Media{
		Kind:     rec.Kind,
		Locator:  locator,
		Size:     rec.Size,
		MimeType: rec.MimeType,
		FileName: rec.FileName,
	}
	switch rec.Kind {
	case remote.MediaVideo:
		msg.Video = media
	case remote.MediaAudio:
		msg.Audio = media
	case remote.MediaPhoto:
		msg.Photo = media
	default:
		msg.Document = media
	}
	return msg, nil
}

func (s *session) Send(ctx context.Context, req remote.SendRequest) (*remote.Message, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	f, err := os.Open(req.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", remote.ErrTransfer, req.Path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", remote.ErrTransfer, req.Path, err)
	}
	size := info.Size()

	id, err := s.conn.nextID(ctx, s.account)
	if err != nil {
		return nil, fmt.Errorf("%w: allocate message id: %v", remote.ErrTransfer, err)
	}

	key := mediaKey(s.account, id)
	body := &progressReader{ctx: ctx, r: f, total: size, fn: req.Progress}
	if err := s.conn.backend.PutObject(ctx, key, body, size); err != nil {
		return nil, fmt.Errorf("%w: put media: %v", remote.ErrTransfer, err)
	}
	body.finish()

	name := req.Name
	if name == "" {
		name = info.Name()
	}
	rec := &record{
		ID:        id,
		Date:      s.conn.now().UTC(),
		Kind:      mediaKindFor(req.MimeType, req.ForceDocument),
		ObjectKey: key,
		Size:      size,
		MimeType:  req.MimeType,
		FileName:  name,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := s.conn.backend.PutObject(ctx, recordKey(s.account, id), bytes.NewReader(data), int64(len(data))); err != nil {
		s.conn.backend.DeleteObject(context.WithoutCancel(ctx), key)
		return nil, fmt.Errorf("%w: put record: %v", remote.ErrTransfer, err)
	}
	return s.message(rec)
}

func (s *session) Resolve(ctx context.Context, messageID int64) (*remote.Message, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rc, _, err := s.conn.backend.GetObject(ctx, recordKey(s.account, messageID), 0, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("message %d: %w", messageID, remote.ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get record: %v", remote.ErrTransfer, err)
	}
	defer rc.Close()

	var rec record
	if err := json.NewDecoder(rc).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: decode record %d: %v", remote.ErrTransfer, messageID, err)
	}
	return s.message(&rec)
}

func (s *session) Stream(ctx context.Context, locator string, offset, limit int64) (io.ReadCloser, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	claims, err := s.conn.parseLocator(locator)
	if err != nil {
		return nil, err
	}
	if claims.Account != s.account {
		return nil, fmt.Errorf("%w: locator belongs to another account", remote.ErrLocatorExpired)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", remote.ErrTransfer)
	}

	rc, _, err := s.conn.backend.GetObject(ctx, claims.Key, offset, limit)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("media %s: %w", claims.Key, remote.ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrTransfer, err)
	}
	return &ctxReadCloser{ctx: ctx, rc: rc}, nil
}

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}

// progressReader reports cumulative bytes read.
type progressReader struct {
	ctx   context.Context
	r     io.Reader
	total int64
	sent  int64
	fn    remote.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}

// finish reports completion for backends that stop reading at the declared size.
func (p *progressReader) finish() {
	if p.fn != nil && p.sent < p.total {
		p.sent = p.total
		p.fn(p.sent, p.total)
	}
}

// ctxReadCloser stops yielding bytes once ctx is done.
type ctxReadCloser struct {
	ctx context.Context
	rc  io.ReadCloser
}

func (c *ctxReadCloser) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.rc.Read(b)
}

func (c *ctxReadCloser) Close() error {
	return c.rc.Close()
}
