package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Claims are the token claims the CIS reads. Roles carries the clinical role
// names (physician, nurse, registrar, admin).
type Claims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey switches validation to HS256; development and tests only.
	SigningKey []byte
}

// keySource resolves the JWKS cache on first use so an identity provider that
// is down at startup does not keep the server from starting.
type keySource struct {
	cfg   JWTConfig
	mu    sync.Mutex
	cache *JWKSCache
}

func (s *keySource) get(ctx context.Context) (*JWKSCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache != nil {
		return s.cache, nil
	}
	url := s.cfg.JWKSURL
	if url == "" {
		discovered, err := DiscoverJWKSURL(ctx, s.cfg.Issuer)
		if err != nil {
			return nil, err
		}
		url = discovered
	}
	s.cache = NewJWKSCache(url, defaultJWKSCacheTTL)
	return s.cache, nil
}

// JWTMiddleware validates the bearer token and stores the subject and roles
// on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keys := &keySource{cfg: cfg}

	opts := []jwt.ParserOption{}
	if len(cfg.SigningKey) > 0 {
		opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
	} else {
		opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenStr, ok := bearerToken(c.Request())
			if !ok {
				if c.Request().Header.Get("Authorization") == "" {
					return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			ctx := c.Request().Context()
			var keyFunc jwt.Keyfunc
			if len(cfg.SigningKey) > 0 {
				keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
			} else {
				cache, err := keys.get(ctx)
				if err != nil {
					return echo.NewHTTPError(http.StatusUnauthorized, "token keys unavailable")
				}
				keyFunc = cache.KeyFunc(ctx)
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(ctx, claims.Subject, claims.Roles)))
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	return tok, tok != ""
}

// DevAuthHeaderRoles lets a developer pick roles without a token.
const DevAuthHeaderRoles = "X-Dev-Roles"

// DevAuthMiddleware accepts every request as dev-user. Roles default to
// admin; a comma separated X-Dev-Roles header overrides them.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			roles := []string{RoleAdmin}
			if h := c.Request().Header.Get(DevAuthHeaderRoles); h != "" {
				roles = roles[:0]
				for _, r := range strings.Split(h, ",") {
					if r = strings.TrimSpace(r); r != "" {
						roles = append(roles, r)
					}
				}
			}
			ctx := WithIdentity(c.Request().Context(), "dev-user", roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithIdentity returns ctx carrying the given user and roles.
func WithIdentity(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRolesKey, roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
