package admin

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jrjohn/harbor-go/internal/middleware"
	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
)

var (
	ErrUnauthorized = apperrors.New("UNAUTHORIZED", "invalid or missing bearer token", http.StatusUnauthorized)
	ErrTokenExpired = apperrors.New("TOKEN_EXPIRED", "token has expired", http.StatusUnauthorized)
)

const claimsKey = "admin_claims"

// Authenticator issues and checks HS256 bearer tokens for the admin API.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator returns nil when secret is empty, which leaves the admin
// routes open.
func NewAuthenticator(secret, issuer string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for subject valid for ttl.
func (a *Authenticator) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Issuer:    a.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses token and checks its signature, expiry and issuer.
func (a *Authenticator) Validate(token string) (*jwt.RegisteredClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired.WithError(err)
		}
		return nil, ErrUnauthorized.WithError(err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// bearer reads the Authorization header, falling back to the token query
// parameter for websocket clients that cannot set headers.
func bearer(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return c.Query("token")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// Middleware rejects requests without a valid token.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c)
		if token == "" {
			middleware.Abort(c, ErrUnauthorized.WithMessage("authorization header required"))
			return
		}
		claims, err := a.Validate(token)
		if err != nil {
			middleware.Abort(c, err)
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// Subject returns the authenticated subject, or "".
func Subject(c *gin.Context) string {
	v, ok := c.Get(claimsKey)
	if !ok {
		return ""
	}
	claims, _ := v.(*jwt.RegisteredClaims)
	if claims == nil {
		return ""
	}
	return claims.Subject
}
