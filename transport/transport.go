// Package transport delivers rendered messages through an account's mail
// provider and classifies the provider's answer.
package transport

import (
	"context"
	"errors"

	"outreach/models"
)

var ErrUnsupportedProvider = errors.New("unsupported provider")

// Message is a fully rendered outgoing email.
type Message struct {
	FromEmail  string
	FromName   string
	To         string
	ToName     string
	Subject    string
	HTML       string
	MessageID  string
	InReplyTo  string
	References []string
	Headers    map[string]string
}

// SendResult is the outcome of a send. Error is set whenever Success is false.
type SendResult struct {
	Success      bool
	MessageID    string
	Error        error
	ErrorCode    int
	IsBounce     bool
	IsHardBounce bool
	AuthFailure  bool
}

// Transport sends mail for one account.
type Transport interface {
	Send(ctx context.Context, msg *Message) SendResult
	TestConnection(ctx context.Context) error
}

// Factory builds the transport for an account.
type Factory interface {
	For(ctx context.Context, account *models.EmailAccount) (Transport, error)
}

// Success builds the result of an accepted message.
func Success(messageID string) SendResult {
	return SendResult{Success: true, MessageID: messageID}
}
