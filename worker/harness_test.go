package worker

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"outreach/health"
	"outreach/mailbox"
	"outreach/models"
	"outreach/queue"
	"outreach/store"
	"outreach/store/storetest"
	"outreach/transport"
	"outreach/utils"
)

type fakeTransport struct {
	mu      sync.Mutex
	results []transport.SendResult
	sent    []*transport.Message
}

func (f *fakeTransport) For(context.Context, *models.EmailAccount) (transport.Transport, error) {
	return f, nil
}

func (f *fakeTransport) Send(_ context.Context, msg *transport.Message) transport.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if len(f.results) > 0 {
		r := f.results[0]
		f.results = f.results[1:]
		return r
	}
	return transport.Success(msg.MessageID)
}

func (f *fakeTransport) TestConnection(context.Context) error { return nil }

func (f *fakeTransport) Sent() []*transport.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*transport.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	db         *gorm.DB
	store      *store.Store
	queue      *queue.RedisQueue
	now        time.Time
	fx         *storetest.Fixture
	transport  *fakeTransport
	links      *utils.Tracker
	health     *health.Tracker
	hub        *Hub
	sequencer  *Sequencer
	delivery   *DeliveryWorker
	pool       *Pool
	matcher    *ReplyMatcher
	engagement *Engagement
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newHarness(t *testing.T, dailyLimit, prospects int, steps ...storetest.StepSpec) *harness {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db := storetest.Open(t)
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		db:        db,
		store:     store.New(db),
		now:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		fx:        storetest.Seed(t, db, dailyLimit, prospects, steps...),
		transport: &fakeTransport{},
		links:     utils.NewTracker("https://t.acme.test", "secret"),
		hub:       NewHub(),
	}
	clock := func() time.Time { return h.now }
	log := quietLogger()

	h.queue = queue.NewRedisQueue(client, "send", time.Minute).WithClock(clock)
	h.health = health.NewTracker(h.store, health.DefaultThresholds(), log)
	h.sequencer = NewSequencer(h.store, h.queue, log)
	h.sequencer.now = clock
	h.delivery = NewDeliveryWorker(h.store, h.sequencer, h.health, h.transport, h.links, DeliveryOptions{
		SendTimeout: time.Second,
		Events:      h.hub,
		Log:         log,
	})
	h.delivery.now = clock
	h.pool = NewPool(h.queue, h.delivery, PoolConfig{MaxAttempts: 3, BackoffBase: time.Minute, BackoffMax: time.Hour}, log)
	h.pool.now = clock
	h.matcher = NewReplyMatcher(h.store, h.hub, log)
	h.engagement = NewEngagement(h.store, h.health, h.links, h.hub, log)
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// runDue processes jobs until none is due and returns how many ran.
func (h *harness) runDue() int {
	h.t.Helper()
	n := 0
	for i := 0; i < 100; i++ {
		processed, err := h.pool.ProcessOne(h.ctx)
		require.NoError(h.t, err)
		if !processed {
			return n
		}
		n++
	}
	h.t.Fatal("queue did not drain")
	return n
}

func (h *harness) prospect(i int) *models.Prospect {
	h.t.Helper()
	p, err := h.store.GetProspect(h.ctx, h.fx.Prospects[i].ID)
	require.NoError(h.t, err)
	return p
}

func (h *harness) account() *models.EmailAccount {
	h.t.Helper()
	a, err := h.store.GetAccount(h.ctx, h.fx.Account.ID)
	require.NoError(h.t, err)
	return a
}

func (h *harness) events(prospectID uint, typ models.EventType) []models.EmailEvent {
	h.t.Helper()
	var out []models.EmailEvent
	require.NoError(h.t, h.db.Where("prospect_id = ? AND type = ?", prospectID, typ).Order("id").Find(&out).Error)
	return out
}

func (h *harness) scheduledAt(prospectID, stepID uint) (time.Time, bool) {
	h.t.Helper()
	at, ok, err := h.queue.ScheduledAt(h.ctx, SendJobID(prospectID, stepID))
	require.NoError(h.t, err)
	return at, ok
}

func (h *harness) activate() {
	h.t.Helper()
	_, err := h.sequencer.Activate(h.ctx, h.fx.Campaign.ID)
	require.NoError(h.t, err)
}

type fakeSource struct {
	msgs     []mailbox.InboundMessage
	fetchErr error
	seen     []uint32
	closed   bool
}

func (s *fakeSource) FetchUnseen(context.Context, time.Time) ([]mailbox.InboundMessage, error) {
	return s.msgs, s.fetchErr
}

func (s *fakeSource) MarkSeen(_ context.Context, uids []uint32) error {
	s.seen = append(s.seen, uids...)
	return nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeOpener struct {
	mu      sync.Mutex
	sources map[uint]*fakeSource
	errs    map[uint]error
}

func (o *fakeOpener) Open(_ context.Context, account *models.EmailAccount) (mailbox.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.errs[account.ID]; err != nil {
		return nil, err
	}
	src, ok := o.sources[account.ID]
	if !ok {
		return &fakeSource{}, nil
	}
	return src, nil
}

func gormModel(id uint) gorm.Model {
	return gorm.Model{ID: id}
}
