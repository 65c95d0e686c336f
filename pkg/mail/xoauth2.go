package mail

import (
	"context"
	"fmt"
	"net/smtp"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/stocktracker/mailqueue/pkg/config"
)

// GmailScope grants SMTP access to a Gmail account.
const GmailScope = "https://mail.google.com/"

// NewOAuthTokenSource returns a caching token source that refreshes access tokens
// from the configured refresh token. Google's token endpoint is used unless
// cfg.TokenURL is set.
func NewOAuthTokenSource(ctx context.Context, cfg config.OAuth) oauth2.TokenSource {
	endpoint := endpoints.Google
	if cfg.TokenURL != "" {
		endpoint = oauth2.Endpoint{TokenURL: cfg.TokenURL}
	}
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       []string{GmailScope},
	}
	return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
}

type xoauth2Auth struct {
	username string
	tokens   oauth2.TokenSource
}

// NewXOAuth2Auth returns an smtp.Auth implementing the XOAUTH2 SASL mechanism.
func NewXOAuth2Auth(username string, tokens oauth2.TokenSource) smtp.Auth {
	return &xoauth2Auth{username: username, tokens: tokens}
}

func (a *xoauth2Auth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS && !isLocalhost(server.Name) {
		return "", nil, fmt.Errorf("refusing XOAUTH2 over an unencrypted connection to %s", server.Name)
	}
	tok, err := a.tokens.Token()
	if err != nil {
		return "", nil, fmt.Errorf("fetching oauth2 access token: %w", err)
	}
	resp := "user=" + a.username + "\x01auth=Bearer " + tok.AccessToken + "\x01\x01"
	return "XOAUTH2", []byte(resp), nil
}

// Next receives the server's JSON error description when the token is rejected.
func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return nil, fmt.Errorf("XOAUTH2 rejected: %s", fromServer)
	}
	return nil, nil
}

func isLocalhost(name string) bool {
	return name == "localhost" || name == "127.0.0.1" || name == "::1"
}
