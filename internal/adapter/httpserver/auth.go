package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentgrid/agentgrid/internal/domain"
)

// JWTValidator resolves HMAC-signed bearer tokens to subjects.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator constructs a validator over the shared secret.
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

type claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Validate parses and verifies token. The subject claim identifies the
// user; email is optional.
func (v *JWTValidator) Validate(_ domain.Context, token string) (domain.Subject, error) {
	if len(v.secret) == 0 {
		return domain.Subject{}, fmt.Errorf("op=auth.validate: %w: no signing secret configured", domain.ErrUnauthorized)
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return domain.Subject{}, fmt.Errorf("op=auth.validate: %w", domain.ErrUnauthorized)
	}
	if c.Subject == "" {
		return domain.Subject{}, fmt.Errorf("op=auth.validate: %w: missing subject", domain.ErrUnauthorized)
	}
	return domain.Subject{UserID: c.Subject, Email: c.Email}, nil
}

var _ domain.TokenValidator = (*JWTValidator)(nil)

type subjectKey struct{}

// SubjectFrom returns the authenticated subject stored by RequireAuth.
func SubjectFrom(ctx context.Context) (domain.Subject, bool) {
	s, ok := ctx.Value(subjectKey{}).(domain.Subject)
	return s, ok
}

// RequireAuth rejects requests without a valid bearer token and stores
// the subject in the request context.
func RequireAuth(tokens domain.TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, r, fmt.Errorf("%w: bearer token required", domain.ErrUnauthorized), nil)
				return
			}
			subject, err := tokens.Validate(r.Context(), token)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			ctx := context.WithValue(r.Context(), subjectKey{}, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
