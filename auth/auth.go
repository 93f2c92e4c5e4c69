package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Context keys for storing authenticated user information.
type contextKey string

const (
	contextKeyClaims contextKey = "claims"
)

// Role represents an authorized persona within the marketplace.
type Role string

// Supported roles.
const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleEscrow  Role = "escrow"
	RoleSupport Role = "support"
	RoleAdmin   Role = "admin"
)

var allowedRoles = map[Role]struct{}{
	RoleBuyer:   {},
	RoleSeller:  {},
	RoleEscrow:  {},
	RoleSupport: {},
	RoleAdmin:   {},
}

// Valid reports whether the role is one of the supported personas.
func (r Role) Valid() bool {
	_, ok := allowedRoles[r]
	return ok
}

// Claims represents identity data extracted from the inbound request.
type Claims struct {
	Subject string
	Role    Role
}

// Options controls how bearer tokens are verified.
type Options struct {
	// JWTSecret enables HS256 verification when non-empty. Tokens carry the
	// subject in "sub" and the role in "role".
	JWTSecret string
	// Issuer, when set, is enforced against the "iss" claim.
	Issuer string
	// Leeway tolerates clock skew during expiry checks.
	Leeway time.Duration
	// AllowStatic accepts "<subject>|<role>" bearer tokens. Intended for
	// tests and local development; leave off in production.
	AllowStatic bool
}

// Verifier validates bearer tokens into Claims.
type Verifier struct {
	opts Options
}

// NewVerifier constructs a token verifier from the supplied options.
func NewVerifier(opts Options) *Verifier {
	return &Verifier{opts: opts}
}

var errInvalidToken = errors.New("auth: invalid token")

// Verify parses and validates a raw bearer token.
func (v *Verifier) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errInvalidToken
	}
	if v.opts.AllowStatic && strings.Contains(token, "|") {
		return parseStatic(token)
	}
	if v.opts.JWTSecret == "" {
		return nil, errors.New("auth: no verification method configured")
	}
	return v.verifyJWT(token)
}

func parseStatic(token string) (*Claims, error) {
	parts := strings.SplitN(token, "|", 2)
	if len(parts) != 2 {
		return nil, errInvalidToken
	}
	subject := strings.TrimSpace(parts[0])
	role := Role(strings.TrimSpace(parts[1]))
	if subject == "" || !role.Valid() {
		return nil, errInvalidToken
	}
	return &Claims{Subject: subject, Role: role}, nil
}

func (v *Verifier) verifyJWT(token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.opts.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.opts.Issuer))
	}
	if v.opts.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.opts.Leeway))
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(v.opts.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errInvalidToken
	}
	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, errors.New("auth: token subject missing")
	}
	roleStr, _ := claims["role"].(string)
	role := Role(strings.ToLower(strings.TrimSpace(roleStr)))
	if !role.Valid() {
		return nil, errors.New("auth: token role missing or unknown")
	}
	return &Claims{Subject: subject, Role: role}, nil
}

// Authenticate extracts and verifies the bearer token, attaching Claims to
// the request context.
func (v *Verifier) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		claims, err := v.Verify(parts[1])
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext extracts the Claims previously attached by Authenticate.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	return nil, errors.New("missing identity in context")
}

// RequireRole ensures the authenticated user has at least one of the allowed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
