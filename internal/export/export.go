// Package export materializes items into a zip archive.
package export

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Imrankhan9559/morganxmystic/internal/logging"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/metrics"
)

// ErrTooDeep is recorded for folders nested deeper than the configured limit.
var ErrTooDeep = errors.New("folder nesting too deep")

// Fetcher opens a file's bytes from offset.
type Fetcher interface {
	Fetch(ctx context.Context, item *metadata.Item, offset int64) (io.ReadCloser, error)
}

// Config tunes the exporter.
type Config struct {
	StagingDir  string
	MaxDepth    int
	Concurrency int
}

// Outcome records an item that could not be exported.
type Outcome struct {
	ItemID string
	Name   string
	Path   string
	Err    error
}

// Result is a finished archive. The caller removes it with Remove.
type Result struct {
	ArchivePath string
	Name        string
	Files       int
	Dirs        int
	Outcomes    []Outcome
}

// Remove deletes the archive.
func (r *Result) Remove() error {
	if err := os.Remove(r.ArchivePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Exporter builds zip bundles of tree items.
type Exporter struct {
	tree    *metadata.Tree
	fetcher Fetcher
	cfg     Config
}

// New creates an Exporter.
func New(tree *metadata.Tree, fetcher Fetcher, cfg Config) *Exporter {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 64
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}
	return &Exporter{tree: tree, fetcher: fetcher, cfg: cfg}
}

// run holds the state of one export.
type run struct {
	ctx    context.Context
	e      *Exporter
	caller string
	g      errgroup.Group

	mu       sync.Mutex
	outcomes []Outcome
	// taken holds used names per staging directory.
	taken map[string]map[string]bool
}

func (r *run) fail(item *metadata.Item, id, rel string, err error) {
	name := ""
	if item != nil {
		name = item.Name
		id = item.ID
	}
	logging.WithContext(r.ctx).Warn("export item failed",
		zap.String("item_id", id),
		zap.String("path", rel),
		zap.Error(err))
	metrics.RecordExportItem(false)
	r.mu.Lock()
	r.outcomes = append(r.outcomes, Outcome{ItemID: id, Name: name, Path: rel, Err: err})
	r.mu.Unlock()
}

// claim returns a name unique within dir, suffixing " (n)" on collisions.
func (r *run) claim(dir, name string) string {
	used := r.taken[dir]
	if used == nil {
		used = make(map[string]bool)
		r.taken[dir] = used
	}
	candidate := name
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; used[strings.ToLower(candidate)]; i++ {
		candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
	}
	used[strings.ToLower(candidate)] = true
	return candidate
}

// Export materializes ids for caller into a zip archive. Items the caller
// cannot access or that fail to download are recorded as outcomes; only
// staging and archive errors abort the export.
func (e *Exporter) Export(ctx context.Context, caller string, ids []string) (*Result, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no items selected", metadata.ErrValidation)
	}
	start := time.Now()
	defer func() { metrics.RecordExport(time.Since(start)) }()

	if err := os.MkdirAll(e.cfg.StagingDir, 0o750); err != nil {
		return nil, fmt.Errorf("create export staging dir: %w", err)
	}
	stage, err := os.MkdirTemp(e.cfg.StagingDir, "export-*")
	if err != nil {
		return nil, fmt.Errorf("create export stage: %w", err)
	}
	defer os.RemoveAll(stage)

	r := &run{ctx: ctx, e: e, caller: caller, taken: make(map[string]map[string]bool)}
	r.g.SetLimit(e.cfg.Concurrency)

	for _, id := range ids {
		item, err := e.tree.Get(ctx, id)
		if err != nil {
			r.fail(nil, id, "", err)
			continue
		}
		ok, err := e.tree.CanAccess(ctx, caller, item)
		if err != nil {
			r.fail(item, id, "", err)
			continue
		}
		if !ok {
			r.fail(item, id, "", metadata.ErrUnauthorized)
			continue
		}
		r.materialize(item, stage, "", 0)
	}
	r.g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	archive, err := os.CreateTemp(e.cfg.StagingDir, "bundle-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	res := &Result{ArchivePath: archive.Name(), Name: bundleName(), Outcomes: r.outcomes}
	res.Files, res.Dirs, err = writeZip(archive, stage)
	if cerr := archive.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		res.Remove()
		return nil, fmt.Errorf("write archive: %w", err)
	}

	logging.WithContext(ctx).Info("export finished",
		zap.String("caller", caller),
		zap.Int("requested", len(ids)),
		zap.Int("files", res.Files),
		zap.Int("dirs", res.Dirs),
		zap.Int("failed", len(res.Outcomes)),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// materialize mirrors item into dir. Folders recurse synchronously; file
// downloads run on the bounded group.
func (r *run) materialize(item *metadata.Item, dir, rel string, depth int) {
	name := r.claim(dir, item.Name)
	target := filepath.Join(dir, name)
	relPath := path.Join(rel, name)

	if !item.IsFolder {
		r.g.Go(func() error {
			if err := r.download(item, target); err != nil {
				r.fail(item, item.ID, relPath, err)
				return nil
			}
			metrics.RecordExportItem(true)
			return nil
		})
		return
	}

	if depth >= r.e.cfg.MaxDepth {
		r.fail(item, item.ID, relPath, fmt.Errorf("%w: limit is %d", ErrTooDeep, r.e.cfg.MaxDepth))
		return
	}
	if err := os.MkdirAll(target, 0o750); err != nil {
		r.fail(item, item.ID, relPath, err)
		return
	}
	children, err := r.e.tree.ListChildren(r.ctx, item.ID)
	if err != nil {
		r.fail(item, item.ID, relPath, err)
		return
	}
	for _, child := range children {
		if r.ctx.Err() != nil {
			return
		}
		r.materialize(child, target, relPath, depth+1)
	}
}

func (r *run) download(item *metadata.Item, target string) (err error) {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	body, err := r.e.fetcher.Fetch(r.ctx, item, 0)
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(target)
		}
	}()

	n, err := io.Copy(f, body)
	if err != nil {
		return err
	}
	if item.Size > 0 && n != item.Size {
		return fmt.Errorf("short download: got %d of %d bytes", n, item.Size)
	}
	return nil
}

// writeZip archives root into w. Directories get their own entry only when
// empty; other directories are implied by their files.
func writeZip(w io.Writer, root string) (files, dirs int, err error) {
	zw := zip.NewWriter(w)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			entries, err := os.ReadDir(p)
			if err != nil {
				return err
			}
			if len(entries) > 0 {
				return nil
			}
			hdr, err := zip.FileInfoHeader(info)
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			hdr.Method = zip.Store
			if _, err := zw.CreateHeader(hdr); err != nil {
				return err
			}
			dirs++
			return nil
		}

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		hdr.Method = zip.Deflate
		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		zw.Close()
		return files, dirs, err
	}
	return files, dirs, zw.Close()
}

func bundleName() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "MorganCloud_Bundle.zip"
	}
	return "MorganCloud_Bundle_" + hex.EncodeToString(b[:]) + ".zip"
}
