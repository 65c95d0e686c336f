package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stocktracker/mailqueue/pkg/config"
)

const testSecret = "test-secret-0123456789"

func init() {
	gin.SetMode(gin.TestMode)
}

func signHS256(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func adminClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":     "42",
		"email":   "ops@example.com",
		"isAdmin": true,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}
}

func newTestAuth(t *testing.T) *AuthHandler {
	t.Helper()
	a, err := NewAuth(zap.NewNop().Sugar(), config.Auth{JWTSecret: testSecret})
	require.NoError(t, err)
	return a
}

// whoamiController echoes the identity set by the auth middleware.
type whoamiController struct {
	handlers []gin.HandlerFunc
}

func (w *whoamiController) BasePath() string { return "whoami" }

func (w *whoamiController) Handlers() []gin.HandlerFunc { return w.handlers }

func (w *whoamiController) Register(rg *gin.RouterGroup) error {
	rg.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": UserFromContext(c), "admin": c.GetBool(ContextKeyAdmin)})
	})
	return nil
}

func doRequest(h http.Handler, method, path, bearer string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "192.0.2.1:5555"
	if bearer != "" {
		req.Header.Set(AuthHeaderKey, "Bearer "+bearer)
	}
	h.ServeHTTP(w, req)
	return w
}
