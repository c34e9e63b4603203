package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	digest "github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/Imrankhan9559/morganxmystic/internal/logging"
)

var (
	// ErrTooLarge is returned when an upload exceeds the configured maximum.
	ErrTooLarge = errors.New("upload exceeds maximum size")
	// ErrInsufficientSpace is returned when the staging volume is nearly full.
	ErrInsufficientSpace = errors.New("insufficient staging space")
)

// Staged is a file written to the staging directory.
type Staged struct {
	Path     string
	Size     int64
	Digest   digest.Digest
	MimeType string
}

// Stager writes incoming uploads to local staging files.
type Stager struct {
	dir       string
	maxSize   int64
	minFree   uint64
	freeSpace func(path string) (uint64, error)
}

// NewStager creates dir if needed. maxSize 0 disables the size limit and
// minFree 0 disables the free space check.
func NewStager(dir string, maxSize int64, minFree uint64) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Stager{dir: dir, maxSize: maxSize, minFree: minFree, freeSpace: freeBytes}, nil
}

// Dir returns the staging directory.
func (s *Stager) Dir() string { return s.dir }

// Stage copies r into a new staging file while computing its digest and
// detecting its MIME type. On error no file is left behind.
func (s *Stager) Stage(ctx context.Context, r io.Reader, filename string) (_ *Staged, err error) {
	if s.minFree > 0 {
		free, err := s.freeSpace(s.dir)
		if err != nil {
			logging.Warn("staging free space check failed", zap.String("dir", s.dir), zap.Error(err))
		} else if free < s.minFree {
			return nil, fmt.Errorf("%w: %d bytes free", ErrInsufficientSpace, free)
		}
	}

	f, err := os.CreateTemp(s.dir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	path := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(path)
		}
	}()

	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if s.maxSize > 0 {
		src = io.LimitReader(src, s.maxSize+1)
	}
	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(f, digester.Hash()), src)
	if err != nil {
		return nil, fmt.Errorf("write staging file: %w", err)
	}
	if s.maxSize > 0 && n > s.maxSize {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxSize)
	}
	if err = f.Close(); err != nil {
		return nil, fmt.Errorf("close staging file: %w", err)
	}

	return &Staged{
		Path:     path,
		Size:     n,
		Digest:   digester.Digest(),
		MimeType: DetectMIME(path, filename),
	}, nil
}

// DetectMIME guesses a MIME type from the file name, then from content.
func DetectMIME(path, filename string) string {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			mt, _, err := mime.ParseMediaType(t)
			if err == nil {
				return mt
			}
		}
	}
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	mt, _, err := mime.ParseMediaType(m.String())
	if err != nil {
		return m.String()
	}
	return mt
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
