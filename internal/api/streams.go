package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Imrankhan9559/morganxmystic/internal/logging"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/protocol"
	"github.com/Imrankhan9559/morganxmystic/internal/stream"
)

// serveItem streams item honoring the Range header. Errors before the
// headers map to a status; errors after them truncate the body.
func (s *Server) serveItem(w http.ResponseWriter, r *http.Request, item *metadata.Item) {
	resp, err := s.proxy.Open(r.Context(), item, r.Header.Get("Range"))
	if err != nil {
		if errors.Is(err, stream.ErrRangeNotSatisfiable) {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(item.Size, 10))
		}
		s.writeError(w, r, err)
		return
	}
	defer resp.Body.Close()

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.Status)
	if r.Method == http.MethodHead {
		return
	}

	buf := make([]byte, s.proxy.ChunkSize())
	n, err := io.CopyBuffer(w, resp.Body, buf)
	if err != nil && r.Context().Err() == nil {
		logging.WithContext(r.Context()).Warn("stream truncated",
			zap.String("item_id", item.ID),
			zap.Int64("written", n),
			zap.Error(err))
	}
}

// handleStream serves an item the caller owns or collaborates on.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	item, err := s.accessible(r, r.PathValue("item_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveItem(w, r, item)
}

// ─── Sharing ────────────────────────────────────────────────────────────────

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, err := s.tree.Share(ctx, caller(ctx), r.PathValue("item_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.LinkResponse{Link: s.link(token)})
}

// handleShareBundle publishes a new bundle of ids. Every id must be visible
// to the caller.
func (s *Server) handleShareBundle(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.readIDList(w, r)
	if !ok {
		return
	}
	for _, id := range ids {
		if _, err := s.accessible(r, id); err != nil {
			s.writeError(w, r, fmt.Errorf("item %s: %w", id, err))
			return
		}
	}

	ctx := r.Context()
	owner := caller(ctx)
	name := s.creds.FirstName(ctx, owner)
	if name == "" {
		name = "User"
	}
	token, err := s.tree.CreateBundle(ctx, owner, ids, "Shared by "+name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.LinkResponse{Link: s.link(token)})
}

// handlePublicView describes what a share token points at.
func (s *Server) handlePublicView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	item, bundle, err := s.tree.ResolveShareToken(ctx, r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if item != nil {
		resp := itemResponse(item)
		resp.Collaborators = nil
		s.sendJSON(w, http.StatusOK, protocol.PublicViewResponse{Kind: "item", Item: &resp})
		return
	}
	items, err := s.tree.BundleItems(ctx, bundle)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := itemResponses(items)
	for i := range out {
		out[i].Collaborators = nil
	}
	s.sendJSON(w, http.StatusOK, protocol.PublicViewResponse{
		Kind: "bundle",
		Bundle: &protocol.BundleResponse{
			Token:     bundle.Token,
			Name:      bundle.Name,
			Owner:     bundle.Owner,
			CreatedAt: bundle.CreatedAt,
			Items:     out,
		},
	})
}

// handlePublicStream streams the single item behind a share token.
func (s *Server) handlePublicStream(w http.ResponseWriter, r *http.Request) {
	item, _, err := s.tree.ResolveShareToken(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if item == nil {
		s.writeError(w, r, fmt.Errorf("token names a bundle: %w", metadata.ErrNotFound))
		return
	}
	s.serveItem(w, r, item)
}

// handlePublicBundleStream streams a bundle member. The token query
// parameter must name a bundle listing the item.
func (s *Server) handlePublicBundleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	itemID := r.PathValue("item_id")
	token := r.URL.Query().Get("token")
	if token == "" {
		s.sendError(w, http.StatusBadRequest, "token is required")
		return
	}
	_, bundle, err := s.tree.ResolveShareToken(ctx, token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bundle == nil || !bundle.Contains(itemID) {
		s.writeError(w, r, fmt.Errorf("item %s in bundle: %w", itemID, metadata.ErrNotFound))
		return
	}
	item, err := s.tree.Get(ctx, itemID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveItem(w, r, item)
}

// ─── Export ─────────────────────────────────────────────────────────────────

// handleDownloadZip exports the listed items as one zip. Items that could
// not be included are listed in X-Export-Failed.
func (s *Server) handleDownloadZip(w http.ResponseWriter, r *http.Request) {
	ids, ok := s.readIDList(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	res, err := s.exporter.Export(ctx, caller(ctx), ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() {
		if err := res.Remove(); err != nil {
			logging.WithContext(ctx).Warn("remove export archive", zap.String("path", res.ArchivePath), zap.Error(err))
		}
	}()

	f, err := os.Open(res.ArchivePath)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if len(res.Outcomes) > 0 {
		failed := make([]string, 0, len(res.Outcomes))
		for _, o := range res.Outcomes {
			failed = append(failed, o.ItemID)
		}
		w.Header().Set("X-Export-Failed", strings.Join(failed, ","))
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+res.Name+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		logging.WithContext(ctx).Warn("send export archive", zap.Error(err))
	}
}
