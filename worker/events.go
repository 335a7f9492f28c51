package worker

import (
	"sync"

	"outreach/models"
)

// Publisher receives every event the engine records.
type Publisher interface {
	Publish(event *models.EmailEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(*models.EmailEvent) {}

const subscriberBuffer = 64

// Hub fans events out to live subscribers of a campaign. Slow subscribers
// lose events rather than blocking workers.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint]map[chan models.EmailEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint]map[chan models.EmailEvent]struct{})}
}

// Subscribe returns a channel of the campaign's events and a function that
// unsubscribes and closes it.
func (h *Hub) Subscribe(campaignID uint) (<-chan models.EmailEvent, func()) {
	ch := make(chan models.EmailEvent, subscriberBuffer)

	h.mu.Lock()
	if h.subs[campaignID] == nil {
		h.subs[campaignID] = make(map[chan models.EmailEvent]struct{})
	}
	h.subs[campaignID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[campaignID], ch)
			if len(h.subs[campaignID]) == 0 {
				delete(h.subs, campaignID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(event *models.EmailEvent) {
	if event == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[event.CampaignID] {
		select {
		case ch <- *event:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers of a campaign.
func (h *Hub) Subscribers(campaignID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[campaignID])
}
