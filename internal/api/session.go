package api

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"github.com/Imrankhan9559/morganxmystic/internal/auth"
	"github.com/Imrankhan9559/morganxmystic/internal/logging"
	"github.com/Imrankhan9559/morganxmystic/internal/protocol"
	"github.com/Imrankhan9559/morganxmystic/internal/remote"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{5,15}$`)

func phoneRules() []validation.Rule {
	return []validation.Rule{
		validation.Required,
		validation.Match(phonePattern).Error("must be a phone number"),
	}
}

type loginStartRequest struct {
	Phone string `json:"phone"`
}

func (r loginStartRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Phone, phoneRules()...),
	)
}

type loginCompleteRequest struct {
	Phone     string `json:"phone"`
	Session   string `json:"session"`
	FirstName string `json:"first_name"`
}

func (r loginCompleteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Phone, phoneRules()...),
		validation.Field(&r.Session, validation.Required),
		validation.Field(&r.FirstName, validation.Length(0, 64)),
	)
}

// handleLoginStart opens a login exchange for a phone identity.
func (s *Server) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	var req loginStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	pl := s.pending.Begin(req.Phone)
	s.sendJSON(w, http.StatusOK, protocol.LoginStartResponse{Status: "pending", ExpiresAt: pl.ExpiresAt})
}

// handleLoginComplete checks the presented remote session with the blob
// service and binds it to the identity. The pending login is consumed only
// once the session is accepted.
func (s *Server) handleLoginComplete(w http.ResponseWriter, r *http.Request) {
	var req loginCompleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()

	if err := s.pending.Check(req.Phone); err != nil {
		s.writeError(w, r, err)
		return
	}

	firstName := strings.TrimSpace(req.FirstName)
	err := s.creds.Bind(ctx, s.connector, req.Phone, firstName, remote.Credential(req.Session))
	if errors.Is(err, auth.ErrAccountMismatch) {
		logging.WithContext(ctx).Warn("login rejected: account mismatch", zap.String("identity", req.Phone))
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.pending.Complete(req.Phone); err != nil {
		s.writeError(w, r, err)
		return
	}
	if firstName == "" {
		firstName = s.creds.FirstName(ctx, req.Phone)
	}

	token, expires, err := s.auth.IssueToken(req.Phone, firstName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.auth.SetSessionCookie(w, token, expires, strings.HasPrefix(s.cfg.BaseURL, "https://"))

	logging.WithContext(ctx).Info("login completed", zap.String("identity", req.Phone))
	s.sendJSON(w, http.StatusOK, protocol.LoginResponse{
		Token:     token,
		ExpiresAt: expires,
		Identity:  req.Phone,
		FirstName: firstName,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.ClearSessionCookie(w)
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}
