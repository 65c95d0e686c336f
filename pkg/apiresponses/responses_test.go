package apiresponses

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResponders(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		respond    func(c *gin.Context)
		wantStatus int
		wantCode   string
		wantError  string
	}{
		{
			name:       "not found",
			respond:    func(c *gin.Context) { RespondNotFound(c, "job", "abc") },
			wantStatus: http.StatusNotFound,
			wantCode:   CodeNotFound,
			wantError:  "job not found: abc",
		},
		{
			name:       "unauthorized default",
			respond:    func(c *gin.Context) { RespondUnauthorized(c, "") },
			wantStatus: http.StatusUnauthorized,
			wantCode:   CodeUnauthorized,
			wantError:  "user not authenticated",
		},
		{
			name:       "forbidden default",
			respond:    func(c *gin.Context) { RespondForbidden(c, "") },
			wantStatus: http.StatusForbidden,
			wantCode:   CodeForbidden,
			wantError:  "access denied",
		},
		{
			name:       "bad request",
			respond:    func(c *gin.Context) { RespondBadRequest(c, "invalid status") },
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeBadRequest,
			wantError:  "invalid status",
		},
		{
			name:       "too many requests",
			respond:    func(c *gin.Context) { RespondTooManyRequests(c, "") },
			wantStatus: http.StatusTooManyRequests,
			wantCode:   CodeTooManyRequests,
			wantError:  "rate limit exceeded, please try again later",
		},
		{
			name: "internal error hides cause",
			respond: func(c *gin.Context) {
				RespondInternalError(c, "list jobs", errors.New("pq: secret detail"), zap.NewNop().Sugar())
			},
			wantStatus: http.StatusInternalServerError,
			wantCode:   CodeInternal,
			wantError:  "failed to list jobs",
		},
		{
			name:       "service unavailable",
			respond:    func(c *gin.Context) { RespondServiceUnavailable(c, "queue store") },
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   CodeServiceUnavailable,
			wantError:  "service unavailable: queue store",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			tt.respond(c)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.True(t, c.IsAborted())
			var body APIError
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, tt.wantError, body.Error)
			assert.NotContains(t, w.Body.String(), "secret detail")
		})
	}
}

func TestRespondBadRequestWithDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	RespondBadRequestWithDetails(c, "invalid body", "to: must be an email")

	var body APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "to: must be an email", body.Details)
}
