package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/stocktracker/mailqueue/pkg/apiresponses"
	"github.com/stocktracker/mailqueue/pkg/config"
)

const (
	AuthHeaderKey = "Authorization"

	// ContextKeyUser holds the authenticated identity (email, else subject).
	ContextKeyUser = "user"
	// ContextKeyAdmin is true when the token carries the admin claim.
	ContextKeyAdmin = "isAdmin"
	// ContextKeyClaims holds the verified jwt.MapClaims.
	ContextKeyClaims = "claims"

	devUser = "dev@localhost"
)

// AuthHandler verifies JWTs issued by the application's auth service. Tokens are
// read from the session cookie or an Authorization bearer header.
type AuthHandler struct {
	keyfunc    jwt.Keyfunc
	jwks       *keyfunc.JWKS
	cookieName string
	adminClaim string
	disabled   bool
	log        *zap.SugaredLogger
}

// NewAuth builds the handler from the auth config. With a JWKS URL the keys are
// fetched once here and refreshed hourly; otherwise JWTSecret verifies HS256 tokens.
func NewAuth(log *zap.SugaredLogger, cfg config.Auth) (*AuthHandler, error) {
	a := &AuthHandler{
		cookieName: cfg.CookieName,
		adminClaim: cfg.AdminClaim,
		disabled:   cfg.Disabled,
		log:        log.Named("auth"),
	}
	if a.cookieName == "" {
		a.cookieName = "token"
	}
	if a.adminClaim == "" {
		a.adminClaim = "isAdmin"
	}

	switch {
	case cfg.Disabled:
		a.log.Warn("Admin authentication is DISABLED, every request is treated as admin (development only)")
	case cfg.JWKSURL != "":
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval: time.Hour,
			RefreshTimeout:  10 * time.Second,
			RefreshErrorHandler: func(err error) {
				a.log.Errorw("Failed to refresh JWKS", "url", cfg.JWKSURL, "error", err)
			},
			RefreshUnknownKID: true,
		})
		if err != nil {
			return nil, fmt.Errorf("could not get JWKS from %s: %w", cfg.JWKSURL, err)
		}
		a.jwks = jwks
		a.keyfunc = jwks.Keyfunc
	case cfg.JWTSecret != "":
		secret := []byte(cfg.JWTSecret)
		a.keyfunc = func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		}
	default:
		return nil, errors.New("auth requires a JWT secret or a JWKS URL")
	}
	return a, nil
}

// Close stops the background JWKS refresh.
func (a *AuthHandler) Close() {
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
}

// Middleware authenticates the request and stores the identity in the context.
func (a *AuthHandler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.disabled {
			c.Set(ContextKeyUser, devUser)
			c.Set(ContextKeyAdmin, true)
			c.Next()
			return
		}

		raw := a.tokenFromRequest(c)
		if raw == "" {
			apiresponses.RespondUnauthorized(c, "no token provided")
			return
		}

		claims := jwt.MapClaims{}
		if _, err := jwt.ParseWithClaims(raw, claims, a.keyfunc); err != nil {
			a.log.Debugw("Rejected token", "error", err, "clientIP", c.ClientIP())
			apiresponses.RespondUnauthorized(c, "invalid token")
			return
		}

		user := stringClaim(claims, "email")
		if user == "" {
			user = stringClaim(claims, "sub")
		}
		if user == "" {
			apiresponses.RespondUnauthorized(c, "token has no subject")
			return
		}

		c.Set(ContextKeyUser, user)
		c.Set(ContextKeyAdmin, boolClaim(claims, a.adminClaim))
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// RequireAdmin rejects authenticated callers without the admin claim. It must run
// after Middleware.
func (a *AuthHandler) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ContextKeyAdmin) {
			a.log.Infow("Denied non-admin request", "user", c.GetString(ContextKeyUser), "path", c.FullPath())
			apiresponses.RespondForbidden(c, "admin access required")
			return
		}
		c.Next()
	}
}

// AdminHandlers is the handler chain for admin-only route groups.
func (a *AuthHandler) AdminHandlers() []gin.HandlerFunc {
	return []gin.HandlerFunc{a.Middleware(), a.RequireAdmin()}
}

func (a *AuthHandler) tokenFromRequest(c *gin.Context) string {
	if cookie, err := c.Cookie(a.cookieName); err == nil && cookie != "" {
		return cookie
	}
	header := c.GetHeader(AuthHeaderKey)
	// delete the header to avoid logging it by accident
	c.Request.Header.Del(AuthHeaderKey)
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// UserFromContext returns the authenticated identity, or "" outside an
// authenticated route.
func UserFromContext(c *gin.Context) string {
	return c.GetString(ContextKeyUser)
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

func boolClaim(claims jwt.MapClaims, key string) bool {
	switch v := claims[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}
