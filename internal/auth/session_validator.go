package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultSessionIssuer is used when no issuer is configured.
	DefaultSessionIssuer = "lexforge-collab"
	// DefaultSessionCookieName is used when no cookie name is configured.
	DefaultSessionCookieName = "lexforge_session"
	// AccessTokenQueryParameter carries the token for browser websocket clients, which cannot
	// set an Authorization header on the upgrade request.
	AccessTokenQueryParameter = "access_token"

	bearerPrefix = "bearer "
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// TokenSource names where a request carried its session token.
type TokenSource string

const (
	TokenSourceNone   TokenSource = ""
	TokenSourceCookie TokenSource = "cookie"
	TokenSourceBearer TokenSource = "bearer"
	TokenSourceQuery  TokenSource = "query"
)

// SessionClaims identify the editor behind a collaboration request.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserAvatarURL   string   `json:"user_avatar_url"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig configures token checks. Leeway tolerates clock skew between the host
// application that issued the token and this server.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Leeway        time.Duration
	Clock         func() time.Time
}

// SessionValidator accepts HS256 session tokens from the cookie, the bearer header or the
// access_token query, in that order.
type SessionValidator struct {
	signingSecret []byte
	cookieName    string
	parser        *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = DefaultSessionCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(clock),
	}
	if cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(cfg.Leeway))
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieName:    cookieName,
		parser:        jwt.NewParser(options...),
	}, nil
}

func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken parses tokenString and returns claims naming a user.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, v.signingKey)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrExpiredSessionToken
	case err != nil:
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	case !parsed.Valid:
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.UserID) == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return *claims, nil
}

// ValidateRequest validates the first token found on r.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	token, source := v.ExtractToken(r)
	if source == TokenSourceNone {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(token)
}

// ExtractToken returns the raw token r carries and where it was found.
func (v *SessionValidator) ExtractToken(r *http.Request) (string, TokenSource) {
	if r == nil {
		return "", TokenSourceNone
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return cookie.Value, TokenSourceCookie
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return header[len(bearerPrefix):], TokenSourceBearer
	}
	if r.URL != nil {
		if token := strings.TrimSpace(r.URL.Query().Get(AccessTokenQueryParameter)); token != "" {
			return token, TokenSourceQuery
		}
	}
	return "", TokenSourceNone
}

func (v *SessionValidator) signingKey(*jwt.Token) (interface{}, error) {
	return v.signingSecret, nil
}
