// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/Imrankhan9559/morganxmystic/internal/auth"
	"github.com/Imrankhan9559/morganxmystic/internal/config"
	"github.com/Imrankhan9559/morganxmystic/internal/events"
	"github.com/Imrankhan9559/morganxmystic/internal/export"
	"github.com/Imrankhan9559/morganxmystic/internal/logging"
	"github.com/Imrankhan9559/morganxmystic/internal/metadata"
	"github.com/Imrankhan9559/morganxmystic/internal/metrics"
	"github.com/Imrankhan9559/morganxmystic/internal/protocol"
	"github.com/Imrankhan9559/morganxmystic/internal/quota"
	"github.com/Imrankhan9559/morganxmystic/internal/remote"
	"github.com/Imrankhan9559/morganxmystic/internal/stream"
	"github.com/Imrankhan9559/morganxmystic/internal/upload"
)

// Deps bundles the services the handlers call into.
type Deps struct {
	Tree          *metadata.Tree
	Auth          *auth.Auth
	Credentials   *auth.Credentials
	PendingLogins *auth.PendingLogins
	Connector     remote.Connector
	Uploads       *upload.Pipeline
	Stager        *upload.Stager
	Proxy         *stream.Proxy
	Exporter      *export.Exporter
	Broadcaster   *events.Broadcaster
	RateLimiter   *quota.RateLimiter
}

// Server is the HTTP server.
type Server struct {
	cfg config.ServerConfig

	tree        *metadata.Tree
	auth        *auth.Auth
	creds       *auth.Credentials
	pending     *auth.PendingLogins
	connector   remote.Connector
	uploads     *upload.Pipeline
	stager      *upload.Stager
	proxy       *stream.Proxy
	exporter    *export.Exporter
	broadcaster *events.Broadcaster
	rateLimiter *quota.RateLimiter
}

// NewServer creates a new server.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	rl := deps.RateLimiter
	if rl == nil {
		rl = quota.NewRateLimiter(0)
	}
	return &Server{
		cfg:         cfg,
		tree:        deps.Tree,
		auth:        deps.Auth,
		creds:       deps.Credentials,
		pending:     deps.PendingLogins,
		connector:   deps.Connector,
		uploads:     deps.Uploads,
		stager:      deps.Stager,
		proxy:       deps.Proxy,
		exporter:    deps.Exporter,
		broadcaster: deps.Broadcaster,
		rateLimiter: rl,
	}
}

// Handler returns the HTTP handler with logging, metrics and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /auth/login/start", s.handleLoginStart)
	mux.HandleFunc("POST /auth/login/complete", s.handleLoginComplete)
	mux.HandleFunc("GET /logout", s.handleLogout)

	// Public share endpoints
	mux.HandleFunc("GET /s/{token}", s.handlePublicView)
	mux.HandleFunc("GET /s/stream/{token}", s.handlePublicStream)
	mux.HandleFunc("GET /s/stream/file/{item_id}", s.handlePublicBundleStream)

	// Protected endpoints
	s.protected(mux, "GET /dashboard", s.handleDashboard)
	s.protected(mux, "GET /profile", s.handleProfile)
	s.protected(mux, "POST /create_folder", s.handleCreateFolder)
	s.protected(mux, "POST /rename/{item_id}", s.handleRename)
	s.protected(mux, "POST /move/{item_id}", s.handleMove)
	s.protected(mux, "POST /delete/bundle", s.handleDeleteBundle)
	s.protected(mux, "POST /delete/{item_id}", s.handleDelete)

	s.protected(mux, "POST /upload", s.handleUpload)
	s.protected(mux, "GET /upload/status", s.handleUploadStatus)
	s.protected(mux, "GET /upload/events", s.handleEvents)

	s.protected(mux, "GET /stream/data/{item_id}", s.handleStream)
	s.protected(mux, "POST /download/zip", s.handleDownloadZip)

	s.protected(mux, "POST /share/bundle", s.handleShareBundle)
	s.protected(mux, "POST /share/{item_id}", s.handleShare)

	s.protected(mux, "POST /folder/add_collaborator", s.handleAddCollaborator)
	s.protected(mux, "POST /folder/remove_collaborator", s.handleRemoveCollaborator)
	s.protected(mux, "GET /folder/team/{id}", s.handleTeam)

	// Metrics must sit directly on the mux to see the matched pattern.
	var handler http.Handler = logging.Middleware(metrics.Middleware(mux))
	if len(s.cfg.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "Range", "Last-Event-ID"},
			ExposedHeaders:   []string{"Content-Range", "Content-Disposition", "X-Export-Failed", "X-Request-ID"},
			AllowCredentials: true,
		}).Handler(handler)
	}
	return handler
}

// protected registers h behind token auth and the per-identity rate limiter.
func (s *Server) protected(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	limited := quota.RateLimitMiddleware(s.rateLimiter, auth.Identity)(h)
	mux.Handle(pattern, s.auth.Middleware(limited))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// caller returns the authenticated identity. Protected routes always have one.
func caller(ctx context.Context) string {
	id, _ := auth.Identity(ctx)
	return id
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		verrs validation.Errors
		verr  validation.Error
	)
	switch {
	case errors.Is(err, auth.ErrNoPendingLogin):
		return http.StatusUnauthorized
	case errors.Is(err, metadata.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, metadata.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, metadata.ErrValidation), errors.As(err, &verrs), errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, metadata.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, stream.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, upload.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, upload.ErrInsufficientSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, upload.ErrQueueFull), errors.Is(err, upload.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, remote.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, remote.ErrTransfer),
		errors.Is(err, remote.ErrLocatorExpired),
		errors.Is(err, remote.ErrMessageNotFound),
		errors.Is(err, remote.ErrNoMedia),
		errors.Is(err, remote.ErrSessionClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and sends it with the status statusFor picks.
// Internal errors are not echoed to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	log := logging.WithContext(r.Context())
	msg := err.Error()
	switch {
	case code == http.StatusInternalServerError:
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	case code >= 500:
		log.Warn("request failed", zap.String("path", r.URL.Path), zap.Int("status", code), zap.Error(err))
	default:
		log.Debug("request rejected", zap.String("path", r.URL.Path), zap.Int("status", code), zap.Error(err))
	}
	s.sendError(w, code, msg)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// decodeJSON reads a JSON body of at most 1 MiB into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", metadata.ErrValidation, err)
	}
	return nil
}

func (s *Server) link(token string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/s/" + token
}

func itemResponse(it *metadata.Item) protocol.ItemResponse {
	return protocol.ItemResponse{
		ID:            it.ID,
		Name:          it.Name,
		IsFolder:      it.IsFolder,
		ParentID:      it.ParentID,
		Owner:         it.Owner,
		Collaborators: it.Collaborators,
		Size:          it.Size,
		MimeType:      it.MimeType,
		Shared:        it.ShareToken != "",
		CreatedAt:     it.CreatedAt,
	}
}

func itemResponses(items []*metadata.Item) []protocol.ItemResponse {
	out := make([]protocol.ItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, itemResponse(it))
	}
	return out
}
