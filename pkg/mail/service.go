// SPDX-FileCopyrightText: 2026 Stock Portfolio contributors
//
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/stocktracker/mailqueue/pkg/audit"
	"github.com/stocktracker/mailqueue/pkg/metrics"
	"github.com/stocktracker/mailqueue/pkg/queue"
	"github.com/stocktracker/mailqueue/pkg/utils"
)

var (
	// ErrInvalidEmail is returned for a malformed recipient or an empty subject or body.
	ErrInvalidEmail = errors.New("invalid email")
	// ErrRecipientNotAllowed is returned when the recipient matches no allowed pattern.
	ErrRecipientNotAllowed = errors.New("recipient not allowed")
	// ErrUnknownTemplate is returned by SendTemplate for a name it does not know.
	ErrUnknownTemplate = errors.New("unknown email template")
)

// Template names accepted by SendTemplate.
const (
	TemplateVerifyEmail       = "verify-email"
	TemplatePasswordReset     = "password-reset"
	TemplateWelcome           = "welcome"
	TemplateAdminNotification = "admin-notification"
)

// TemplateNames lists the names SendTemplate accepts.
var TemplateNames = []string{TemplateVerifyEmail, TemplatePasswordReset, TemplateWelcome, TemplateAdminNotification}

// TemplateRequest picks a transactional email and carries its inputs. To is ignored
// for admin notifications, which go to every configured admin address.
type TemplateRequest struct {
	Template  string
	To        string
	Token     string
	FirstName string
	Title     string
	Message   string
	Details   map[string]any
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// AppURL is the public base URL of the application, used in links.
	AppURL string
	// AdminAddresses receive admin notifications.
	AdminAddresses []string
	// AllowedRecipients are glob patterns; empty allows everyone.
	AllowedRecipients []string
	BrandingName      string
}

type enqueueRequest struct {
	To      string `validate:"required,email"`
	Subject string `validate:"required,max=998"`
	HTML    string `validate:"required"`
}

// Service is the enqueue facade used by the rest of the application. Enqueueing
// only writes a pending job; delivery happens later in the queue processor.
type Service struct {
	store    queue.Store
	events   *audit.Manager
	validate *validator.Validate
	cfg      ServiceConfig
	logger   *zap.SugaredLogger
}

// NewService creates a mail Service. events may be nil.
func NewService(store queue.Store, events *audit.Manager, cfg ServiceConfig, logger *zap.SugaredLogger) *Service {
	return &Service{
		store:    store,
		events:   events,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
		logger:   logger.Named("mail-service"),
	}
}

// Enqueue validates the email and stores it as a pending job. It returns the job id.
func (s *Service) Enqueue(ctx context.Context, to, subject, html string) (string, error) {
	req := enqueueRequest{To: strings.TrimSpace(to), Subject: subject, HTML: html}
	if err := s.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}
	if !utf8.ValidString(req.To) || !utf8.ValidString(req.Subject) || !utf8.ValidString(req.HTML) {
		return "", fmt.Errorf("%w: recipient, subject and body must be valid UTF-8", ErrInvalidEmail)
	}
	if !utils.RecipientAllowed(s.cfg.AllowedRecipients, req.To) {
		return "", fmt.Errorf("%w: %s", ErrRecipientNotAllowed, req.To)
	}

	id, err := s.store.Enqueue(ctx, req.To, req.Subject, req.HTML)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("enqueue").Inc()
		s.logger.Errorw("Failed to enqueue email", "to", req.To, "subject", req.Subject, "error", err)
		return "", err
	}

	metrics.JobsEnqueued.Inc()
	s.events.EmitJob(ctx, audit.EventJobEnqueued, audit.JobInfo{
		ID:      id,
		To:      req.To,
		Subject: req.Subject,
		Status:  string(queue.StatusPending),
	})
	s.logger.Infow("Email queued for sending", "id", id, "to", req.To, "subject", req.Subject)
	return id, nil
}

// SendVerification enqueues the email verification link for token.
func (s *Service) SendVerification(ctx context.Context, to, token string) (string, error) {
	html, err := RenderVerifyEmail(VerifyEmailParams{URL: s.link("verify-email", token), BrandingName: s.cfg.BrandingName})
	if err != nil {
		return "", fmt.Errorf("rendering verification email: %w", err)
	}
	return s.Enqueue(ctx, to, SubjectVerifyEmail, html)
}

// SendPasswordReset enqueues the password reset link for token.
func (s *Service) SendPasswordReset(ctx context.Context, to, token string) (string, error) {
	html, err := RenderPasswordReset(PasswordResetParams{URL: s.link("reset-password", token), BrandingName: s.cfg.BrandingName})
	if err != nil {
		return "", fmt.Errorf("rendering password reset email: %w", err)
	}
	return s.Enqueue(ctx, to, SubjectPasswordReset, html)
}

// SendWelcome enqueues the welcome email.
func (s *Service) SendWelcome(ctx context.Context, to, firstName string) (string, error) {
	html, err := RenderWelcome(WelcomeParams{FirstName: firstName, BrandingName: s.cfg.BrandingName})
	if err != nil {
		return "", fmt.Errorf("rendering welcome email: %w", err)
	}
	return s.Enqueue(ctx, to, SubjectWelcome, html)
}

// SendAdminNotification enqueues one email per configured admin address and
// returns the ids of the jobs that were created.
func (s *Service) SendAdminNotification(ctx context.Context, title, message string, details map[string]any) ([]string, error) {
	if len(s.cfg.AdminAddresses) == 0 {
		return nil, nil
	}
	var adminURL string
	if s.cfg.AppURL != "" {
		adminURL = strings.TrimRight(s.cfg.AppURL, "/") + "/admin/email-queue"
	}
	html, err := RenderAdminNotification(AdminNotificationParams{
		Title:        title,
		Message:      message,
		Details:      details,
		URL:          adminURL,
		BrandingName: s.cfg.BrandingName,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering admin notification: %w", err)
	}

	var (
		ids  []string
		errs []error
	)
	for _, addr := range s.cfg.AdminAddresses {
		id, err := s.Enqueue(ctx, addr, "[Admin] "+title, html)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// SendTemplate renders the named template and enqueues it. It returns the ids of
// the created jobs; only admin notifications can create more than one.
func (s *Service) SendTemplate(ctx context.Context, req TemplateRequest) ([]string, error) {
	switch req.Template {
	case TemplateVerifyEmail, TemplatePasswordReset:
		if req.Token == "" {
			return nil, fmt.Errorf("%w: template %s needs a token", ErrInvalidEmail, req.Template)
		}
		send := s.SendVerification
		if req.Template == TemplatePasswordReset {
			send = s.SendPasswordReset
		}
		return single(send(ctx, req.To, req.Token))
	case TemplateWelcome:
		return single(s.SendWelcome(ctx, req.To, req.FirstName))
	case TemplateAdminNotification:
		if req.Title == "" {
			return nil, fmt.Errorf("%w: template %s needs a title", ErrInvalidEmail, req.Template)
		}
		return s.SendAdminNotification(ctx, req.Title, req.Message, req.Details)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, req.Template)
	}
}

func single(id string, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	return []string{id}, nil
}

// NotifyVerification is SendVerification for callers that must not fail because
// of email problems. Failures are logged.
func (s *Service) NotifyVerification(ctx context.Context, to, token string) {
	if _, err := s.SendVerification(ctx, to, token); err != nil {
		s.logger.Warnw("Verification email not queued", "to", to, "error", err)
	}
}

// NotifyPasswordReset is the fire-and-forget form of SendPasswordReset.
func (s *Service) NotifyPasswordReset(ctx context.Context, to, token string) {
	if _, err := s.SendPasswordReset(ctx, to, token); err != nil {
		s.logger.Warnw("Password reset email not queued", "to", to, "error", err)
	}
}

// NotifyWelcome is the fire-and-forget form of SendWelcome.
func (s *Service) NotifyWelcome(ctx context.Context, to, firstName string) {
	if _, err := s.SendWelcome(ctx, to, firstName); err != nil {
		s.logger.Warnw("Welcome email not queued", "to", to, "error", err)
	}
}

// NotifyAdmins is the fire-and-forget form of SendAdminNotification.
func (s *Service) NotifyAdmins(ctx context.Context, title, message string, details map[string]any) {
	if _, err := s.SendAdminNotification(ctx, title, message, details); err != nil {
		s.logger.Warnw("Admin notification not fully queued", "title", title, "error", err)
	}
}

func (s *Service) link(path, token string) string {
	return strings.TrimRight(s.cfg.AppURL, "/") + "/" + path + "/" + url.PathEscape(token)
}
