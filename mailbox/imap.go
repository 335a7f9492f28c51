package mailbox

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"

	"outreach/models"
)

// xoauth2Client is the SASL XOAUTH2 client used by Gmail and Outlook IMAP.
type xoauth2Client struct {
	username string
	token    string
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01"), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}

var _ sasl.Client = (*xoauth2Client)(nil)

// IMAPOpener dials accounts over IMAP.
type IMAPOpener struct {
	Decrypt        func(string) (string, error)
	TokenSource    func(account *models.EmailAccount) (oauth2.TokenSource, string, error)
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// IMAPSource is a selected IMAP mailbox.
type IMAPSource struct {
	c *client.Client
}

func (o *IMAPOpener) Open(ctx context.Context, account *models.EmailAccount) (Source, error) {
	port := account.IMAPPort
	if port == 0 {
		port = 993
	}
	addr := fmt.Sprintf("%s:%d", account.IMAPHost, port)
	tlsConfig := &tls.Config{ServerName: account.IMAPHost}
	dialer := &net.Dialer{Timeout: o.dialTimeout()}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var (
		c   *client.Client
		err error
	)
	switch strings.ToUpper(account.IMAPEncryption) {
	case "STARTTLS":
		c, err = client.DialWithDialer(dialer, addr)
		if err == nil {
			err = c.StartTLS(tlsConfig)
		}
	case "NONE":
		c, err = client.DialWithDialer(dialer, addr)
	default:
		c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	}
	if err != nil {
		if c != nil {
			_ = c.Logout()
		}
		return nil, fmt.Errorf("failed to connect to IMAP server %s: %w", addr, err)
	}
	c.Timeout = o.commandTimeout()

	if err := o.authenticate(c, account); err != nil {
		_ = c.Logout()
		return nil, err
	}

	mailboxName := account.IMAPMailbox
	if mailboxName == "" {
		mailboxName = "INBOX"
	}
	if _, err := c.Select(mailboxName, false); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to select mailbox %s: %w", mailboxName, err)
	}
	return &IMAPSource{c: c}, nil
}

func (o *IMAPOpener) authenticate(c *client.Client, account *models.EmailAccount) error {
	if account.UsesOAuth() && o.TokenSource != nil {
		source, _, err := o.TokenSource(account)
		if err != nil {
			return err
		}
		tok, err := source.Token()
		if err != nil {
			return fmt.Errorf("oauth token refresh failed: %w", err)
		}
		if err := c.Authenticate(&xoauth2Client{username: account.FromEmail, token: tok.AccessToken}); err != nil {
			return fmt.Errorf("IMAP XOAUTH2 authentication failed: %w", err)
		}
		return nil
	}

	password, err := o.Decrypt(account.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}
	username := account.IMAPUsername
	if username == "" {
		username = account.FromEmail
	}
	if err := c.Login(username, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	return nil
}

func (o *IMAPOpener) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return 30 * time.Second
}

func (o *IMAPOpener) commandTimeout() time.Duration {
	if o.CommandTimeout > 0 {
		return o.CommandTimeout
	}
	return time.Minute
}

func (s *IMAPSource) FetchUnseen(ctx context.Context, since time.Time) ([]InboundMessage, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Since = since

	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier},
		Peek:         true,
	}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seqset, items, messages)
	}()

	var out []InboundMessage
	for msg := range messages {
		if ctx.Err() != nil {
			continue
		}
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}
		in, err := ParseHeaders(bufio.NewReader(literal))
		if err != nil {
			continue
		}
		in.UID = msg.Uid
		if in.Date.IsZero() {
			in.Date = msg.InternalDate
		}
		out = append(out, in)
	}
	if err := <-done; err != nil {
		return out, fmt.Errorf("error during fetch: %w", err)
	}
	return out, ctx.Err()
}

func (s *IMAPSource) MarkSeen(_ context.Context, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.c.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark messages seen: %w", err)
	}
	return nil
}

func (s *IMAPSource) Close() error {
	return s.c.Logout()
}

// ParseHeaders reads an RFC 5322 header block.
func ParseHeaders(r *bufio.Reader) (InboundMessage, error) {
	th, err := textproto.ReadHeader(r)
	if err != nil {
		return InboundMessage{}, fmt.Errorf("failed to parse headers: %w", err)
	}
	h := mail.Header{Header: message.Header{Header: th}}

	var in InboundMessage
	if id, err := h.MessageID(); err == nil && id != "" {
		in.MessageID = "<" + id + ">"
	}
	in.InReplyTo = bracketAll(msgIDs(h, "In-Reply-To"))
	in.References = bracketAll(msgIDs(h, "References"))
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		in.From = strings.ToLower(strings.TrimSpace(from[0].Address))
	}
	in.Subject, _ = h.Subject()
	in.Date, _ = h.Date()
	in.AutoSubmitted = strings.ToLower(strings.TrimSpace(h.Get("Auto-Submitted")))
	return in, nil
}

func msgIDs(h mail.Header, key string) []string {
	ids, err := h.MsgIDList(key)
	if err == nil {
		return ids
	}
	// Some clients emit ids without angle brackets.
	return strings.Fields(strings.NewReplacer("<", " ", ">", " ", ",", " ").Replace(h.Get(key)))
}

func bracketAll(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.Trim(strings.TrimSpace(id), "<>")
		if id != "" {
			out = append(out, "<"+id+">")
		}
	}
	return out
}
