// SPDX-FileCopyrightText: 2026 Stock Portfolio contributors
//
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"

	"github.com/stocktracker/mailqueue/pkg/config"
	"github.com/stocktracker/mailqueue/pkg/metrics"
)

// TransportError is a single failed send. Every failure kind is reported this way.
type TransportError struct {
	Host  string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("smtp %s: %v", e.Host, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// MaxOpenSends bounds the SMTP sessions a Sender keeps open, counting sessions
// abandoned after a timeout until they return.
const MaxOpenSends = 8

// Sender delivers one HTML email per call over SMTP.
type Sender struct {
	dialer        dialer
	host          string
	port          int
	senderAddress string
	senderName    string
	timeout       time.Duration
	limiter       *rate.Limiter
	sessions      *semaphore.Weighted
	log           *zap.SugaredLogger
}

// NewSender builds a Sender from the mail configuration. In oauth2 mode the SMTP
// session authenticates with XOAUTH2 using an access token refreshed from
// cfg.OAuth.RefreshToken.
func NewSender(cfg config.Mail, log *zap.SugaredLogger) (*Sender, error) {
	log = log.Named("mail")
	log.Infow("Initializing mail sender",
		"host", cfg.Host,
		"port", cfg.Port,
		"user", cfg.Username,
		"authMode", cfg.AuthMode)

	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.InsecureSkipVerify {
		log.Warn("InsecureSkipVerify is enabled for mail TLS connection")
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true, ServerName: cfg.Host} //nolint:gosec // opt-in for test relays
	}

	switch cfg.AuthMode {
	case "", config.MailAuthPassword:
	case config.MailAuthOAuth2:
		if cfg.OAuth.RefreshToken == "" {
			return nil, fmt.Errorf("oauth2 mail auth requires a refresh token")
		}
		d.Auth = NewXOAuth2Auth(cfg.Username, NewOAuthTokenSource(context.Background(), cfg.OAuth))
	default:
		return nil, fmt.Errorf("unknown mail auth mode %q", cfg.AuthMode)
	}

	senderName := cfg.SenderName
	if senderName == "" {
		senderName = config.DefaultSenderName
	}
	senderAddr := cfg.SenderAddress
	if senderAddr == "" {
		senderAddr = cfg.Username
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
		log.Infow("Mail provider rate limit enabled", "perSecond", cfg.RateLimit, "burst", max(cfg.RateBurst, 1))
	}

	return &Sender{
		dialer:        d,
		host:          cfg.Host,
		port:          cfg.Port,
		senderAddress: senderAddr,
		senderName:    senderName,
		timeout:       cfg.GetSendTimeout(),
		limiter:       limiter,
		sessions:      semaphore.NewWeighted(MaxOpenSends),
		log:           log,
	}, nil
}

// Deliver sends the email and returns its Message-ID.
//
// gomail sets no deadlines on an established SMTP session, so the send runs in a
// goroutine and is abandoned when ctx or the send timeout ends first. An abandoned
// session keeps its slot of MaxOpenSends until gomail returns, and once every slot
// is held Deliver fails without dialing. An abandoned send that still succeeds is
// logged with its Message-ID; the job has already been recorded as failed, so the
// recipient can receive the email twice.
func (s *Sender) Deliver(ctx context.Context, to, subject, html string) (string, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			metrics.MailSendFailure.WithLabelValues(s.host).Inc()
			return "", &TransportError{Host: s.host, Cause: fmt.Errorf("waiting for send slot: %w", err)}
		}
	}

	msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.host)
	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", s.senderAddress, s.senderName)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetHeader("Message-ID", msgID)
	msg.SetBody("text/html", html)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := s.sessions.Acquire(ctx, 1); err != nil {
		metrics.MailSendFailure.WithLabelValues(s.host).Inc()
		s.log.Warnw("No free SMTP session, earlier sends are still stalled", "to", to, "limit", MaxOpenSends)
		return "", &TransportError{Host: s.host, Cause: fmt.Errorf("waiting for SMTP session: %w", err)}
	}

	start := time.Now()
	var abandoned atomic.Bool
	done := make(chan error, 1)
	go func() {
		defer s.sessions.Release(1)
		err := s.dialer.DialAndSend(msg)
		if abandoned.Load() {
			s.log.Warnw("Abandoned mail send returned",
				"to", to,
				"messageId", msgID,
				"delivered", err == nil,
				"after", time.Since(start).String())
		}
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		abandoned.Store(true)
		metrics.MailSendAbandoned.WithLabelValues(s.host).Inc()
		err = fmt.Errorf("send aborted: %w", ctx.Err())
	}
	metrics.MailSendDuration.WithLabelValues(s.host).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.MailSendFailure.WithLabelValues(s.host).Inc()
		s.log.Warnw("Mail send failed", "to", to, "subject", subject, "error", err)
		return "", &TransportError{Host: s.host, Cause: err}
	}

	metrics.MailSendSuccess.WithLabelValues(s.host).Inc()
	s.log.Debugw("Mail sent", "to", to, "messageId", msgID)
	return msgID, nil
}

// Host returns the SMTP host, used as metrics label.
func (s *Sender) Host() string {
	return s.host
}

// Port returns the SMTP port.
func (s *Sender) Port() int {
	return s.port
}
