package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Imrankhan9559/morganxmystic/internal/events"
	"github.com/Imrankhan9559/morganxmystic/internal/logging"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/protocol"
	"github.com/Imrankhan9559/morganxmystic/internal/upload"
)

// sseKeepAlive is the interval between comment lines on idle event streams.
const sseKeepAlive = 30 * time.Second

// handleUpload streams the multipart "file" part into staging, resolves the
// target folder from parent_id and relative_path, and queues the transfer.
// Form fields may arrive before or after the file part.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := caller(ctx)

	mr, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "multipart form required")
		return
	}

	var (
		staged   *upload.Staged
		filename string
		fields   = map[string]string{}
	)
	cleanup := func() {
		if staged != nil {
			os.Remove(staged.Path)
		}
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			cleanup()
			s.sendError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		switch name := part.FormName(); {
		case name == "file" && staged == nil:
			filename = path.Base(strings.ReplaceAll(part.FileName(), "\\", "/"))
			staged, err = s.stager.Stage(ctx, part, filename)
			if err != nil {
				part.Close()
				s.writeError(w, r, err)
				return
			}
		case name == "parent_id" || name == "relative_path":
			v, err := io.ReadAll(io.LimitReader(part, 4096))
			if err != nil {
				part.Close()
				cleanup()
				s.sendError(w, http.StatusBadRequest, "malformed multipart body")
				return
			}
			fields[name] = strings.TrimSpace(string(v))
		}
		part.Close()
	}
	if staged == nil {
		s.sendError(w, http.StatusBadRequest, "file is required")
		return
	}

	rel := fields["relative_path"]
	if rel != "" {
		filename = path.Base(strings.ReplaceAll(rel, "\\", "/"))
	}
	if err := metadata.ValidateName(filename); err != nil {
		cleanup()
		s.writeError(w, r, err)
		return
	}

	parentID, err := s.tree.ResolveOrCreatePath(ctx, owner, fields["parent_id"], metadata.SplitRelativePath(rel))
	if err != nil {
		cleanup()
		s.writeError(w, r, err)
		return
	}

	cred, err := s.creds.Lookup(ctx, owner)
	if err != nil {
		cleanup()
		if errors.Is(err, metadata.ErrNotFound) {
			s.sendError(w, http.StatusForbidden, "no remote session registered for this account")
			return
		}
		s.writeError(w, r, err)
		return
	}

	// The pipeline owns the staged file from here on, including on error.
	jobID, err := s.uploads.Enqueue(ctx, upload.Request{
		Owner:      owner,
		Credential: cred,
		StagedPath: staged.Path,
		Filename:   filename,
		MimeType:   staged.MimeType,
		ParentID:   parentID,
		Size:       staged.Size,
		Digest:     staged.Digest,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, protocol.UploadQueuedResponse{Status: string(upload.StatusQueued), JobID: jobID})
}

// handleUploadStatus returns the caller's jobs keyed by id, or one job when
// job_id is given.
func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	owner := caller(r.Context())
	if id := r.URL.Query().Get("job_id"); id != "" {
		job, ok := s.uploads.Job(owner, id)
		if !ok {
			s.writeError(w, r, fmt.Errorf("job %s: %w", id, metadata.ErrNotFound))
			return
		}
		s.sendJSON(w, http.StatusOK, job)
		return
	}
	jobs := s.uploads.Jobs(owner)
	out := make(map[string]upload.Job, len(jobs))
	for _, j := range jobs {
		out[j.ID] = j
	}
	s.sendJSON(w, http.StatusOK, out)
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	identity := caller(r.Context())
	ch := s.broadcaster.Subscribe(identity)
	defer s.broadcaster.Unsubscribe(ch)

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				logging.Debug("marshal event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
