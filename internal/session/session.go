// Package session resolves the signed-in caller from an HS256 access token.
//
// Tokens are read from an "Authorization: Bearer" header first, then from
// the configured cookie. Without a configured secret every caller is
// anonymous.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"amap-proxy-go/internal/config"
	"amap-proxy-go/internal/model"
)

var (
	// ErrNoSession is returned when the request carries no valid session.
	ErrNoSession = errors.New("no valid session")
	// ErrInvalidToken marks a token that failed verification.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken marks a token past its exp claim.
	ErrExpiredToken = errors.New("expired token")
)

// Claims is the access token payload. The subject is the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Resolver verifies session tokens.
type Resolver struct {
	secret     []byte
	cookieName string
	parser     *jwt.Parser
	logger     *slog.Logger
}

// NewResolver creates a Resolver from the session config.
func NewResolver(cfg *config.Config, logger *slog.Logger) *Resolver {
	return &Resolver{
		secret:     []byte(cfg.Session.JWTSecret),
		cookieName: cfg.Session.CookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
		),
		logger: logger.With("component", "session"),
	}
}

// Enabled reports whether a verification secret is configured.
func (r *Resolver) Enabled() bool {
	return len(r.secret) > 0
}

// CurrentUser returns the caller identity or ErrNoSession.
func (r *Resolver) CurrentUser(req *http.Request) (*model.Identity, error) {
	if !r.Enabled() {
		return nil, ErrNoSession
	}
	raw := r.token(req)
	if raw == "" {
		return nil, ErrNoSession
	}

	claims, err := r.Verify(raw)
	if err != nil {
		r.logger.Debug("session token rejected", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	return &model.Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// Verify parses and validates raw. The subject must be present.
func (r *Resolver) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := r.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

func (r *Resolver) token(req *http.Request) string {
	if auth := req.Header.Get("Authorization"); auth != "" {
		scheme, tok, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if tok = strings.TrimSpace(tok); tok != "" {
				return tok
			}
		}
	}
	if r.cookieName == "" {
		return ""
	}
	if c, err := req.Cookie(r.cookieName); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}
