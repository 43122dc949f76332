package relay

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthResult is what a successful Authenticate call produces: the
// identity to bind the session to, and any metadata to seed the
// session with. On success during the handshake, the identity and any
// claims become the session's userID and initial metadata.
type AuthResult struct {
	UserID string
	Meta   Meta
}

// Authenticator verifies a credential extracted from the handshake
// request and produces the identity to attach to the new session (spec
// §6). Token is whatever the configured TokenExtractor returned; for the default
// extractor this is a bearer token or "token" query parameter.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (AuthResult, error)
}

// TokenExtractor pulls the raw credential out of the upgrade request.
type TokenExtractor func(r *http.Request) string

// DefaultTokenExtractor looks for "Authorization: Bearer <token>" first,
// falling back to a "token" query parameter (common for browser
// WebSocket clients, which cannot set arbitrary headers during the
// handshake).
func DefaultTokenExtractor(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

// noAuth is the default Authenticator when none is configured: every
// connection is accepted anonymously with no userID.
type noAuth struct{}

func (noAuth) Authenticate(context.Context, string) (AuthResult, error) {
	return AuthResult{}, nil
}

// JWTAuthenticator validates a bearer token as a JWT using keyFunc
// (typically a fixed HMAC secret or an RSA/ECDSA public key lookup) and
// maps its claims to an AuthResult. The "sub" claim becomes UserID;
// every other claim except "exp", "iat" and "nbf" is copied into Meta
// verbatim.
type JWTAuthenticator struct {
	KeyFunc jwt.Keyfunc
	Options []jwt.ParserOption
}

// NewJWTAuthenticator builds a JWTAuthenticator backed by a static HMAC
// secret, the common case for a single-service deployment.
func NewJWTAuthenticator(hmacSecret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{
		KeyFunc: func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrAuthFailed
			}
			return hmacSecret, nil
		},
	}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (AuthResult, error) {
	if token == "" {
		return AuthResult{}, ErrAuthRequired
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(a.Options...)
	parsed, err := parser.ParseWithClaims(token, claims, a.KeyFunc)
	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			return AuthResult{}, ErrTokenExpired
		}
		return AuthResult{}, ErrAuthFailed
	}
	if !parsed.Valid {
		return AuthResult{}, ErrAuthFailed
	}

	sub, _ := claims.GetSubject()
	meta := Meta{}
	for k, v := range claims {
		if k == "sub" || k == "exp" || k == "iat" || k == "nbf" {
			continue
		}
		meta[k] = v
	}
	return AuthResult{UserID: sub, Meta: meta}, nil
}
