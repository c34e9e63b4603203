// Package auth provides JWT-based authentication middleware with metrics.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Imrankhan9559/morganxmystic/internal/metrics"
	"github.com/Imrankhan9559/morganxmystic/internal/protocol"
)

type contextKey string

const (
	userContextKey contextKey = "user"
	issuer                    = "morganxmystic"
)

// ErrInvalidToken is returned for missing, malformed or expired tokens.
var ErrInvalidToken = errors.New("invalid token")

// Claims holds JWT token claims.
type Claims struct {
	Identity  string `json:"identity"`
	FirstName string `json:"first_name,omitempty"`
	jwt.RegisteredClaims
}

// Auth issues and validates session tokens.
type Auth struct {
	secret     []byte
	ttl        time.Duration
	cookieName string
	now        func() time.Time
}

// New creates a new Auth handler.
func New(jwtSecret string, ttl time.Duration, cookieName string) *Auth {
	if cookieName == "" {
		cookieName = "session"
	}
	return &Auth{
		secret:     []byte(jwtSecret),
		ttl:        ttl,
		cookieName: cookieName,
		now:        time.Now,
	}
}

// CookieName returns the name of the session cookie.
func (a *Auth) CookieName() string { return a.cookieName }

// Middleware returns HTTP middleware that requires a valid token.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := a.extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.ValidateToken(tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, err.Error())
			return
		}

		metrics.RecordAuthAttempt(true)
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// IssueToken signs a token for identity.
func (a *Auth) IssueToken(identity, firstName string) (string, time.Time, error) {
	now := a.now()
	claims := &Claims{
		Identity:  identity,
		FirstName: firstName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

// ValidateToken parses tokenStr and returns its claims.
func (a *Auth) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Identity == "" {
		return nil, fmt.Errorf("%w: no identity", ErrInvalidToken)
	}
	return claims, nil
}

// SetSessionCookie writes the session cookie for token.
func (a *Auth) SetSessionCookie(w http.ResponseWriter, token string, expires time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func (a *Auth) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(userContextKey).(*Claims)
	return claims
}

// Identity returns the caller identity stored in ctx.
func Identity(ctx context.Context) (string, bool) {
	claims := GetClaims(ctx)
	if claims == nil {
		return "", false
	}
	return claims.Identity, true
}

// WithClaims injects claims into a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

func (a *Auth) extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// Cookie fallback for browsers
	if c, err := r.Cookie(a.cookieName); err == nil {
		return c.Value
	}
	return ""
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
