// SPDX-FileCopyrightText: 2026 Stock Portfolio contributors
//
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/stocktracker/mailqueue/pkg/api"
	"github.com/stocktracker/mailqueue/pkg/apiresponses"
	"github.com/stocktracker/mailqueue/pkg/audit"
	"github.com/stocktracker/mailqueue/pkg/mail"
	"github.com/stocktracker/mailqueue/pkg/metrics"
	"github.com/stocktracker/mailqueue/pkg/queue"
	"github.com/stocktracker/mailqueue/pkg/system"
)

// Enqueuer validates and stores a new email. mail.Service implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, to, subject, html string) (string, error)
	SendTemplate(ctx context.Context, req mail.TemplateRequest) ([]string, error)
}

// RetryRequest is the body of POST /retry.
type RetryRequest struct {
	IDs []string `json:"ids" binding:"required,min=1,dive,required"`
}

// RetryResponse reports how many of the requested jobs were reset.
type RetryResponse struct {
	Message string `json:"message"`
	Matched int    `json:"matched"`
}

// EnqueueRequest is the body of POST /.
type EnqueueRequest struct {
	To      string `json:"to" binding:"required"`
	Subject string `json:"subject" binding:"required"`
	HTML    string `json:"html" binding:"required"`
}

// EnqueueResponse carries the id of the created job.
type EnqueueResponse struct {
	ID string `json:"id"`
}

// TemplateEnqueueRequest is the body of POST /templated. Template is one of
// mail.TemplateNames; the other fields are used by the templates that need them.
type TemplateEnqueueRequest struct {
	Template  string         `json:"template" binding:"required"`
	To        string         `json:"to,omitempty"`
	Token     string         `json:"token,omitempty"`
	FirstName string         `json:"firstName,omitempty"`
	Title     string         `json:"title,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// TemplateEnqueueResponse lists the created jobs. Admin notifications create one
// per admin address.
type TemplateEnqueueResponse struct {
	IDs []string `json:"ids"`
}

// EmailQueueController serves /api/admin/email-queue.
type EmailQueueController struct {
	store      queue.Store
	enqueuer   Enqueuer
	events     *audit.Manager
	middleware []gin.HandlerFunc
	clock      clock.PassiveClock
	log        *zap.SugaredLogger
}

// NewEmailQueueController creates the controller. middleware, usually the admin
// auth chain, runs before every route. events may be nil.
func NewEmailQueueController(log *zap.SugaredLogger, store queue.Store, enqueuer Enqueuer, events *audit.Manager, middleware ...gin.HandlerFunc) *EmailQueueController {
	return &EmailQueueController{
		store:      store,
		enqueuer:   enqueuer,
		events:     events,
		middleware: middleware,
		clock:      clock.RealClock{},
		log:        log.Named("admin"),
	}
}

// WithClock replaces the clock used for the 24 hour statistics window.
func (ec *EmailQueueController) WithClock(c clock.PassiveClock) *EmailQueueController {
	ec.clock = c
	return ec
}

func (ec *EmailQueueController) BasePath() string {
	return "admin/email-queue"
}

func (ec *EmailQueueController) Handlers() []gin.HandlerFunc {
	return ec.middleware
}

func (ec *EmailQueueController) Register(rg *gin.RouterGroup) error {
	rg.GET("", api.InstrumentedHandler("listEmails", ec.handleList))
	rg.GET("stats", api.InstrumentedHandler("getEmailStats", ec.handleStats))
	rg.GET(":id", api.InstrumentedHandler("getEmail", ec.handleGet))
	rg.POST("retry", api.InstrumentedHandler("retryEmails", ec.handleRetry))
	rg.POST("", api.InstrumentedHandler("enqueueEmail", ec.handleEnqueue))
	rg.POST("templated", api.InstrumentedHandler("enqueueTemplatedEmail", ec.handleEnqueueTemplate))
	return nil
}

func (ec *EmailQueueController) reqLog(c *gin.Context) *zap.SugaredLogger {
	return system.EnrichReqLoggerWithAuth(c, system.GetReqLogger(c, ec.log))
}

func (ec *EmailQueueController) handleStats(c *gin.Context) {
	stats, err := ec.store.QueryStats(c.Request.Context(), ec.clock.Now())
	if err != nil {
		apiresponses.RespondInternalError(c, "fetch email stats", err, ec.reqLog(c))
		return
	}
	apiresponses.RespondOK(c, stats)
}

func (ec *EmailQueueController) handleList(c *gin.Context) {
	var filter queue.Filter
	if s := c.Query("status"); s != "" {
		status, err := queue.ParseStatus(s)
		if err != nil {
			apiresponses.RespondBadRequest(c, err.Error())
			return
		}
		filter.Status = status
	}
	filter.Search = strings.TrimSpace(c.Query("search"))

	page, limit := queue.NormalizePaging(intQuery(c, "page", 1), intQuery(c, "limit", queue.DefaultPageSize))
	result, err := ec.store.QueryPage(c.Request.Context(), filter, page, limit)
	if err != nil {
		apiresponses.RespondInternalError(c, "fetch emails", err, ec.reqLog(c))
		return
	}
	if result.Jobs == nil {
		result.Jobs = []queue.Job{}
	}
	apiresponses.RespondOK(c, result)
}

func (ec *EmailQueueController) handleGet(c *gin.Context) {
	id := c.Param("id")
	job, err := ec.store.Get(c.Request.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		apiresponses.RespondNotFound(c, "email", id)
		return
	}
	if err != nil {
		apiresponses.RespondInternalError(c, "fetch email", err, ec.reqLog(c))
		return
	}
	apiresponses.RespondOK(c, job)
}

func (ec *EmailQueueController) handleRetry(c *gin.Context) {
	var req RetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "ids must be a non-empty list of email ids", err.Error())
		return
	}

	reqLog := ec.reqLog(c)
	matched, err := ec.store.ResetForRetry(c.Request.Context(), req.IDs)
	if err != nil {
		apiresponses.RespondInternalError(c, "retry emails", err, reqLog)
		return
	}

	actor := audit.Actor{User: api.UserFromContext(c), SourceIP: c.ClientIP()}
	metrics.JobsReset.Add(float64(matched))
	ec.events.JobsReset(c.Request.Context(), actor, req.IDs, matched)
	reqLog.Infow("Emails queued for retry", "requested", len(req.IDs), "matched", matched)

	apiresponses.RespondOK(c, RetryResponse{Message: "Emails queued for retry", Matched: matched})
}

func (ec *EmailQueueController) handleEnqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "to, subject and html are required", err.Error())
		return
	}

	id, err := ec.enqueuer.Enqueue(c.Request.Context(), req.To, req.Subject, req.HTML)
	if err != nil {
		ec.respondEnqueueError(c, "enqueue email", err)
		return
	}
	c.JSON(http.StatusAccepted, EnqueueResponse{ID: id})
}

func (ec *EmailQueueController) handleEnqueueTemplate(c *gin.Context) {
	var req TemplateEnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "template is required", err.Error())
		return
	}

	ids, err := ec.enqueuer.SendTemplate(c.Request.Context(), mail.TemplateRequest{
		Template:  req.Template,
		To:        req.To,
		Token:     req.Token,
		FirstName: req.FirstName,
		Title:     req.Title,
		Message:   req.Message,
		Details:   req.Details,
	})
	if len(ids) == 0 && err != nil {
		ec.respondEnqueueError(c, "enqueue templated email", err)
		return
	}
	if err != nil {
		// admin fan-out where some addresses were rejected
		ec.reqLog(c).Warnw("Templated email partially queued", "template", req.Template, "queued", len(ids), "error", err)
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusAccepted, TemplateEnqueueResponse{IDs: ids})
}

func (ec *EmailQueueController) respondEnqueueError(c *gin.Context, action string, err error) {
	switch {
	case errors.Is(err, mail.ErrInvalidEmail),
		errors.Is(err, mail.ErrRecipientNotAllowed),
		errors.Is(err, mail.ErrUnknownTemplate),
		errors.Is(err, queue.ErrInvalidContent):
		apiresponses.RespondBadRequest(c, err.Error())
	default:
		apiresponses.RespondInternalError(c, action, err, ec.reqLog(c))
	}
}

// intQuery parses a positive integer query parameter, falling back to def.
func intQuery(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 1 {
		return def
	}
	return v
}
