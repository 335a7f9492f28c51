// Package mailbox reads inbound mail of sending accounts.
package mailbox

import (
	"context"
	"time"

	"outreach/models"
)

// InboundMessage holds the headers needed to correlate a reply.
type InboundMessage struct {
	UID           uint32
	MessageID     string
	InReplyTo     []string
	References    []string
	From          string
	Subject       string
	Date          time.Time
	AutoSubmitted string
}

// ThreadIDs returns In-Reply-To followed by References, most specific first.
func (m InboundMessage) ThreadIDs() []string {
	ids := make([]string, 0, len(m.InReplyTo)+len(m.References))
	seen := make(map[string]bool, cap(ids))
	add := func(list []string) {
		for i := range list {
			id := list[i]
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	add(m.InReplyTo)
	// References is oldest first; the latest entries are the closest parents.
	rev := make([]string, len(m.References))
	for i, id := range m.References {
		rev[len(m.References)-1-i] = id
	}
	add(rev)
	return ids
}

// Source is an open connection to one mailbox.
type Source interface {
	// FetchUnseen returns unseen messages received on or after since without
	// marking them seen.
	FetchUnseen(ctx context.Context, since time.Time) ([]InboundMessage, error)
	MarkSeen(ctx context.Context, uids []uint32) error
	Close() error
}

// Opener connects to the mailbox of an account.
type Opener interface {
	Open(ctx context.Context, account *models.EmailAccount) (Source, error)
}
