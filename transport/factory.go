package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"outreach/models"
)

// OAuthClient is the application registration of an OAuth provider.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

// TokenStore persists refreshed OAuth tokens.
type TokenStore interface {
	SaveOAuthToken(ctx context.Context, accountID uint, encryptedAccess string, expiry time.Time) error
}

// AccountFactory builds transports from stored accounts, decrypting their
// credentials.
type AccountFactory struct {
	Decrypt   func(string) (string, error)
	Encrypt   func(string) (string, error)
	Clients   map[string]OAuthClient // keyed by oauth provider
	Tokens    TokenStore
	LocalName string
	Log       logrus.FieldLogger
}

func (f *AccountFactory) For(ctx context.Context, account *models.EmailAccount) (Transport, error) {
	if account.UsesOAuth() {
		return f.oauth(ctx, account)
	}

	password, err := f.Decrypt(account.SMTPPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt smtp password of account %d: %w", account.ID, err)
	}
	username := account.SMTPUsername
	if username == "" {
		username = account.FromEmail
	}
	return NewSMTPTransport(SMTPConfig{
		Host:       account.SMTPHost,
		Port:       account.SMTPPort,
		Username:   username,
		Password:   password,
		Encryption: account.Encryption,
		LocalName:  f.LocalName,
	}), nil
}

// TokenSource returns a refreshing token source for an OAuth account along
// with the currently stored access token.
func (f *AccountFactory) TokenSource(account *models.EmailAccount) (oauth2.TokenSource, string, error) {
	client, ok := f.Clients[account.OAuthProvider]
	if !ok || client.ClientID == "" {
		return nil, "", fmt.Errorf("%w: no oauth client for %q", ErrUnsupportedProvider, account.OAuthProvider)
	}
	endpoint, err := OAuthEndpoint(account.OAuthProvider)
	if err != nil {
		return nil, "", err
	}

	access, err := f.Decrypt(account.OAuthToken)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt oauth token of account %d: %w", account.ID, err)
	}
	refresh, err := f.Decrypt(account.OAuthRefreshToken)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt oauth refresh token of account %d: %w", account.ID, err)
	}

	cfg := &oauth2.Config{ClientID: client.ClientID, ClientSecret: client.ClientSecret, Endpoint: endpoint}
	return cfg.TokenSource(context.Background(), TokenFor(access, refresh, account.OAuthExpiry)), access, nil
}

func (f *AccountFactory) oauth(ctx context.Context, account *models.EmailAccount) (Transport, error) {
	source, access, err := f.TokenSource(account)
	if err != nil {
		return nil, err
	}

	host := account.SMTPHost
	if host == "" {
		host = oauthSMTPHosts[account.OAuthProvider]
	}
	port := account.SMTPPort
	if port == 0 {
		port = 587
	}

	accountID := account.ID
	onToken := func(tok *oauth2.Token) {
		if f.Tokens == nil || f.Encrypt == nil {
			return
		}
		sealed, err := f.Encrypt(tok.AccessToken)
		if err == nil {
			err = f.Tokens.SaveOAuthToken(ctx, accountID, sealed, tok.Expiry)
		}
		if err != nil && f.Log != nil {
			f.Log.WithError(err).WithField("account_id", accountID).Warn("failed to persist refreshed oauth token")
		}
	}

	return NewOAuthTransport(SMTPConfig{
		Host:       host,
		Port:       port,
		Username:   account.FromEmail,
		Encryption: "STARTTLS",
		LocalName:  f.LocalName,
	}, source, access, onToken), nil
}
