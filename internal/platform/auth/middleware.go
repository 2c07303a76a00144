package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Dev-mode identity headers.
const (
	DevUserHeader = "X-Dev-User"
	DevRoleHeader = "X-Dev-Role"
)

type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
	Name  string   `json:"name,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 verification; development and tests only.
	SigningKey []byte
	Skipper    func(c echo.Context) bool
	Logger     zerolog.Logger
}

// WithIdentity stores the caller identity on ctx.
func WithIdentity(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRolesKey, roles)
}

func setIdentity(c echo.Context, userID string, roles []string) {
	c.Set("user_id", userID)
	c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), userID, roles)))
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a websocket handshake, so the access_token query parameter is accepted for
// upgrade requests.
func bearerToken(c echo.Context) (string, bool) {
	req := c.Request()
	if h := req.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", false
		}
		return strings.TrimSpace(parts[1]), true
	}
	if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		if tok := req.URL.Query().Get("access_token"); tok != "" {
			return tok, true
		}
	}
	return "", false
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keys *JWKSCache
	if len(cfg.SigningKey) == 0 {
		url := cfg.JWKSURL
		if url == "" && cfg.Issuer != "" {
			provider, err := DiscoverOIDC(context.Background(), cfg.Issuer)
			if err != nil {
				cfg.Logger.Error().Err(err).Str("issuer", cfg.Issuer).Msg("OIDC discovery failed")
			} else {
				url = provider.JWKSURI
			}
		}
		keys = NewJWKSCache(url, defaultJWKSCacheTTL)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			if c.Request().Header.Get("Authorization") == "" && c.Request().URL.Query().Get("access_token") == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			tokenStr, ok := bearerToken(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			var keyFunc jwt.Keyfunc
			if keys == nil {
				keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
			} else {
				keyFunc = keys.KeyFunc(c.Request().Context())
			}

			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			setIdentity(c, claims.Subject, claims.Roles)
			return next(c)
		}
	}
}

// DevAuthMiddleware trusts the caller. Without credentials the request acts
// as X-Dev-User (default "dev-user") with the X-Dev-Role role (default
// admin); a bearer token is decoded without signature verification.
func DevAuthMiddleware(skipper func(c echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			if tokenStr, ok := bearerToken(c); ok {
				claims := &Claims{}
				if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err == nil && claims.Subject != "" {
					setIdentity(c, claims.Subject, claims.Roles)
					return next(c)
				}
			}

			userID := c.Request().Header.Get(DevUserHeader)
			if userID == "" {
				userID = "dev-user"
			}
			role := c.Request().Header.Get(DevRoleHeader)
			if role == "" {
				role = "admin"
			}
			setIdentity(c, userID, []string{role})
			return next(c)
		}
	}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
