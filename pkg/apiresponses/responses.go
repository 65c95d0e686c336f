/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiresponses

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// APIError is the body of every error response.
type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Error codes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeBadRequest         = "BAD_REQUEST"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// RespondNotFound sends a 404 for a missing resource.
func RespondNotFound(c *gin.Context, resourceType, resourceName string) {
	c.AbortWithStatusJSON(http.StatusNotFound, APIError{
		Error: fmt.Sprintf("%s not found: %s", resourceType, resourceName),
		Code:  CodeNotFound,
	})
}

// RespondUnauthorized sends a 401. An empty message uses a generic one.
func RespondUnauthorized(c *gin.Context, message string) {
	if message == "" {
		message = "user not authenticated"
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{
		Error: message,
		Code:  CodeUnauthorized,
	})
}

// RespondForbidden sends a 403 for an authenticated caller lacking permission.
func RespondForbidden(c *gin.Context, reason string) {
	if reason == "" {
		reason = "access denied"
	}
	c.AbortWithStatusJSON(http.StatusForbidden, APIError{
		Error: reason,
		Code:  CodeForbidden,
	})
}

// RespondBadRequest sends a 400 for malformed parameters or bodies.
func RespondBadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, APIError{
		Error: message,
		Code:  CodeBadRequest,
	})
}

// RespondBadRequestWithDetails sends a 400 with additional details, typically a
// validation error.
func RespondBadRequestWithDetails(c *gin.Context, message, details string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, APIError{
		Error:   message,
		Code:    CodeBadRequest,
		Details: details,
	})
}

// RespondTooManyRequests sends a 429.
func RespondTooManyRequests(c *gin.Context, message string) {
	if message == "" {
		message = "rate limit exceeded, please try again later"
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, APIError{
		Error: message,
		Code:  CodeTooManyRequests,
	})
}

// RespondInternalError logs err and sends a 500 that does not leak it.
func RespondInternalError(c *gin.Context, operation string, err error, log *zap.SugaredLogger) {
	if log != nil {
		log.Errorw(fmt.Sprintf("Failed to %s", operation), "error", err)
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, APIError{
		Error: fmt.Sprintf("failed to %s", operation),
		Code:  CodeInternal,
	})
}

// RespondServiceUnavailable sends a 503 naming the missing backend.
func RespondServiceUnavailable(c *gin.Context, service string) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, APIError{
		Error: fmt.Sprintf("service unavailable: %s", service),
		Code:  CodeServiceUnavailable,
	})
}

// RespondOK sends a 200 with data.
func RespondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// RespondCreated sends a 201 with data.
func RespondCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, data)
}
