package transport

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// Provider SMTP defaults for OAuth accounts.
var oauthSMTPHosts = map[string]string{
	"google":    "smtp.gmail.com",
	"microsoft": "smtp.office365.com",
}

// OAuthEndpoint returns the token endpoint of a provider.
func OAuthEndpoint(provider string) (oauth2.Endpoint, error) {
	switch provider {
	case "google":
		return google.Endpoint, nil
	case "microsoft":
		return microsoft.AzureADEndpoint("common"), nil
	}
	return oauth2.Endpoint{}, fmt.Errorf("%w: oauth provider %q", ErrUnsupportedProvider, provider)
}

// xoauth2 implements the SASL XOAUTH2 mechanism used by Gmail and Office 365.
type xoauth2 struct {
	username string
	token    string
}

func (a *xoauth2) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, errors.New("refusing XOAUTH2 over an unencrypted connection")
	}
	return "XOAUTH2", []byte("user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01"), nil
}

// Next answers the error challenge with an empty response so the server
// reports the failure.
func (a *xoauth2) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		return []byte{}, nil
	}
	return nil, nil
}

// OAuthTransport sends over SMTP authenticated with an OAuth access token
// that is refreshed on demand.
type OAuthTransport struct {
	*SMTPTransport
	username string
	source   oauth2.TokenSource
	onToken  func(*oauth2.Token)
	current  string
}

// NewOAuthTransport wraps an SMTP transport. onToken is called whenever the
// source hands out an access token different from current, so the caller can
// persist refreshed tokens.
func NewOAuthTransport(cfg SMTPConfig, source oauth2.TokenSource, current string, onToken func(*oauth2.Token)) *OAuthTransport {
	return &OAuthTransport{
		SMTPTransport: NewSMTPTransport(cfg),
		username:      cfg.Username,
		source:        source,
		onToken:       onToken,
		current:       current,
	}
}

func (t *OAuthTransport) authorize() error {
	tok, err := t.source.Token()
	if err != nil {
		return fmt.Errorf("oauth token refresh failed: %w", err)
	}
	if tok.AccessToken != t.current {
		t.current = tok.AccessToken
		if t.onToken != nil {
			t.onToken(tok)
		}
	}
	t.auth = &xoauth2{username: t.username, token: tok.AccessToken}
	return nil
}

func (t *OAuthTransport) Send(ctx context.Context, msg *Message) SendResult {
	if err := t.authorize(); err != nil {
		res := Classify(err)
		// A rejected refresh token will not recover on retry.
		var rerr *oauth2.RetrieveError
		res.AuthFailure = errors.As(err, &rerr)
		return res
	}
	return t.SMTPTransport.Send(ctx, msg)
}

func (t *OAuthTransport) TestConnection(ctx context.Context) error {
	if err := t.authorize(); err != nil {
		return err
	}
	return t.SMTPTransport.TestConnection(ctx)
}

// TokenFor builds the stored token of an account.
func TokenFor(access, refresh string, expiry *time.Time) *oauth2.Token {
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}
	if expiry != nil {
		tok.Expiry = *expiry
	}
	return tok
}
