package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"outreach/mailbox"
	"outreach/models"
	"outreach/store"
)

// ReplyWorker polls the inbox of every account with IMAP configured and
// hands new mail to the matcher.
type ReplyWorker struct {
	store       *store.Store
	opener      mailbox.Opener
	matcher     *ReplyMatcher
	interval    time.Duration
	lookback    time.Duration
	concurrency int
	log         logrus.FieldLogger
	now         func() time.Time
}

type ReplyOptions struct {
	Interval    time.Duration
	Lookback    time.Duration
	Concurrency int
	Log         logrus.FieldLogger
}

func NewReplyWorker(st *store.Store, opener mailbox.Opener, matcher *ReplyMatcher, opts ReplyOptions) *ReplyWorker {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 7 * 24 * time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &ReplyWorker{
		store:       st,
		opener:      opener,
		matcher:     matcher,
		interval:    opts.Interval,
		lookback:    opts.Lookback,
		concurrency: opts.Concurrency,
		log:         opts.Log.WithField("component", "reply_worker"),
		now:         time.Now,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.log.WithField("interval", rw.interval.String()).Info("reply worker started")
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rw.PollAll(ctx)
		case <-ctx.Done():
			rw.log.Info("reply worker stopped")
			return
		}
	}
}

// PollAll checks every mailbox once. A failing mailbox is logged and retried
// on the next tick without holding up the others.
func (rw *ReplyWorker) PollAll(ctx context.Context) {
	accounts, err := rw.store.MailboxAccounts(ctx)
	if err != nil {
		rw.log.WithError(err).Error("failed to load mailbox accounts")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rw.concurrency)
	for i := range accounts {
		account := &accounts[i]
		g.Go(func() error {
			n, err := rw.Poll(gctx, account)
			log := rw.log.WithField("account_id", account.ID)
			if err != nil {
				log.WithError(err).Warn("mailbox poll failed")
				return nil
			}
			if n > 0 {
				log.WithField("replies", n).Info("replies matched")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Poll reads one mailbox and returns the number of matched messages.
func (rw *ReplyWorker) Poll(ctx context.Context, account *models.EmailAccount) (int, error) {
	src, err := rw.opener.Open(ctx, account)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			rw.log.WithError(err).WithField("account_id", account.ID).Debug("mailbox close failed")
		}
	}()

	msgs, err := src.FetchUnseen(ctx, rw.now().Add(-rw.lookback))
	if err != nil && len(msgs) == 0 {
		return 0, err
	}

	matched, perr := rw.matcher.Process(ctx, account, msgs)
	if len(matched) > 0 {
		if merr := src.MarkSeen(ctx, matched); merr != nil {
			rw.log.WithError(merr).WithField("account_id", account.ID).Warn("failed to mark replies seen")
		}
	}
	if perr != nil {
		return len(matched), perr
	}
	return len(matched), err
}
