package stream

import (
	"context"
	"strings"
	"sync"

	creditdomain "github.com/lernova/credits/internal/credit/domain"
)

const defaultSubscriberBuffer = 16

// Hub fans committed balance changes out to per-user subscribers. The
// repository publishes after every commit; watchers subscribe through
// the store contract. A Relay, when set, carries local commits to
// other processes and injects theirs here.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	relay            Relay
	subscriberBuffer int
}

// Relay broadcasts a locally committed account record beyond this
// process.
type Relay interface {
	Broadcast(ctx context.Context, account creditdomain.CreditAccount)
}

type stream struct {
	mu     sync.Mutex
	latest *creditdomain.CreditAccount
	subs   map[uint64]*Subscription
	nextID uint64
}

// Subscription is one subscriber's view of a user's change stream.
// Implements the store's Subscription contract.
type Subscription struct {
	hub    *Hub
	userID string
	id     uint64
	ch     chan creditdomain.CreditAccount
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		subscriberBuffer: defaultSubscriberBuffer,
	}
}

// SetRelay attaches the cross-process relay. Called once at wiring
// time, before any publish.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

// Publish fans a locally committed record out to subscribers and the
// relay. Never blocks: slow subscribers drop updates and catch up on
// the next one.
func (h *Hub) Publish(ctx context.Context, account creditdomain.CreditAccount) {
	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()

	h.fanout(account)
	if relay != nil {
		relay.Broadcast(ctx, account)
	}
}

// Inject fans a record received from another process out to local
// subscribers only.
func (h *Hub) Inject(account creditdomain.CreditAccount) {
	h.fanout(account)
}

// FailAll pushes a stream failure to every live subscriber so watchers
// can reconnect with backoff. The relay calls this when the
// cross-process link breaks.
func (h *Hub) FailAll(err error) {
	if err == nil {
		return
	}
	h.mu.RLock()
	streams := make([]*stream, 0, len(h.streams))
	for _, st := range h.streams {
		streams = append(streams, st)
	}
	h.mu.RUnlock()

	for _, st := range streams {
		st.mu.Lock()
		subs := make([]*Subscription, 0, len(st.subs))
		for _, sub := range st.subs {
			subs = append(subs, sub)
		}
		st.mu.Unlock()
		for _, sub := range subs {
			sub.fail(err)
		}
	}
}

func (h *Hub) fanout(account creditdomain.CreditAccount) {
	userID := strings.TrimSpace(account.UserID)
	if userID == "" {
		return
	}
	h.mu.RLock()
	st := h.streams[userID]
	h.mu.RUnlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	snapshot := account
	st.latest = &snapshot
	subs := make([]*Subscription, 0, len(st.subs))
	for _, sub := range st.subs {
		subs = append(subs, sub)
	}
	st.mu.Unlock()

	// The data channel is never closed, so a send can never race a
	// concurrent Close. Closed subscriptions are skipped via done.
	for _, sub := range subs {
		select {
		case <-sub.done:
		case sub.ch <- account:
		default:
		}
	}
}

// Subscribe opens a stream for one user, returning the last record
// seen by this hub (nil when none).
func (h *Hub) Subscribe(userID string) (*Subscription, *creditdomain.CreditAccount, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil, creditdomain.ErrInvalidUser
	}

	st := h.ensureStream(userID)

	sub := &Subscription{
		hub:    h,
		userID: userID,
		ch:     make(chan creditdomain.CreditAccount, h.subscriberBuffer),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}

	st.mu.Lock()
	sub.id = st.nextID
	st.nextID++
	st.subs[sub.id] = sub
	var latest *creditdomain.CreditAccount
	if st.latest != nil {
		snapshot := *st.latest
		latest = &snapshot
	}
	st.mu.Unlock()

	return sub, latest, nil
}

func (h *Hub) ensureStream(userID string) *stream {
	h.mu.RLock()
	current := h.streams[userID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[userID]
	if current == nil {
		current = &stream{subs: make(map[uint64]*Subscription)}
		h.streams[userID] = current
	}
	return current
}

func (h *Hub) unsubscribe(userID string, id uint64) {
	h.mu.RLock()
	st := h.streams[userID]
	h.mu.RUnlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	delete(st.subs, id)
	remaining := len(st.subs)
	st.mu.Unlock()
	if remaining != 0 {
		return
	}

	h.mu.Lock()
	current := h.streams[userID]
	if current == st {
		st.mu.Lock()
		if len(st.subs) == 0 {
			delete(h.streams, userID)
		}
		st.mu.Unlock()
	}
	h.mu.Unlock()
}

// Updates delivers pushed records until Close.
func (s *Subscription) Updates() <-chan creditdomain.CreditAccount {
	if s == nil {
		return nil
	}
	return s.ch
}

// Err delivers at most one stream failure.
func (s *Subscription) Err() <-chan error {
	if s == nil {
		return nil
	}
	return s.errs
}

// Done is closed when the subscription is torn down. The Updates
// channel itself stays open so a publish in flight never sends on a
// closed channel.
func (s *Subscription) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// Close tears the subscription down and closes Done. Safe to call more
// than once.
func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		close(s.done)
		s.hub.unsubscribe(s.userID, s.id)
	})
}

func (s *Subscription) fail(err error) {
	if s == nil || err == nil {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}
