// Package channel implements per-board publish/subscribe fan-out for live
// mutation events.
package channel

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/stormpaths/simple-kanban-sub001/domain"
)

// Subscription is one connected client's slot on a board channel. Events
// arrive on Events in publish order; Done is closed when the channel drops
// the subscription, either because the subscriber was too slow to drain its
// buffer or because its access was revoked.
type Subscription struct {
	ID      string
	BoardID string
	UserID  string
	Role    domain.BoardRole

	events    chan domain.MutationEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewSubscription allocates a subscription with a bounded outbound buffer.
func NewSubscription(boardID, userID string, role domain.BoardRole, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	return &Subscription{
		ID:      uuid.NewString(),
		BoardID: boardID,
		UserID:  userID,
		Role:    role,
		events:  make(chan domain.MutationEvent, buffer),
		done:    make(chan struct{}),
	}
}

// Events is the subscriber's inbound event stream.
func (s *Subscription) Events() <-chan domain.MutationEvent { return s.events }

// Done is closed when the channel has dropped this subscription.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// BoardChannel fans mutation events out to every subscriber of one board.
// It owns the board's sequence counter and the subscriber set; no other
// component mutates either. The counter restarts when a board's channel is
// reaped and later recreated, which is safe because clients re-fetch board
// state on reconnect before trusting the stream again.
type BoardChannel struct {
	boardID        string
	publishTimeout time.Duration
	logger         *log.Logger

	mu   sync.Mutex
	seq  uint64
	subs map[*Subscription]struct{}
}

func newBoardChannel(boardID string, publishTimeout time.Duration, logger *log.Logger) *BoardChannel {
	return &BoardChannel{
		boardID:        boardID,
		publishTimeout: publishTimeout,
		logger:         logger,
		subs:           make(map[*Subscription]struct{}),
	}
}

// Subscribe registers the subscription for fan-out.
func (c *BoardChannel) Subscribe(sub *Subscription) {
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
}

// Unsubscribe removes the subscription and reports how many remain.
func (c *BoardChannel) Unsubscribe(sub *Subscription) int {
	c.mu.Lock()
	delete(c.subs, sub)
	remaining := len(c.subs)
	c.mu.Unlock()
	sub.close()
	return remaining
}

// Subscribers reports the current subscriber count.
func (c *BoardChannel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Publish stamps the event with the next board sequence number and delivers
// it to every subscriber in publish order. A subscriber whose buffer does
// not drain within the publish timeout is dropped so one slow client cannot
// stall the board; the straggler resynchronizes by re-fetching board state
// on reconnect.
func (c *BoardChannel) Publish(ev domain.MutationEvent) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	ev.Sequence = c.seq
	ev.BoardID = c.boardID

	var dropped []*Subscription
	for sub := range c.subs {
		if trySend(sub.events, ev) {
			continue
		}
		if !sendWithTimeout(sub.events, ev, c.publishTimeout) {
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(c.subs, sub)
		sub.close()
		c.logger.WithFields(log.Fields{
			"board":        c.boardID,
			"subscription": sub.ID,
			"user":         sub.UserID,
			"seq":          ev.Sequence,
		}).Warn("dropping slow subscriber")
	}
	return c.seq
}

// DropUser force-closes every subscription held by the given user, used
// when the user's access to the board is revoked.
func (c *BoardChannel) DropUser(userID string) []*Subscription {
	c.mu.Lock()
	var dropped []*Subscription
	for sub := range c.subs {
		if sub.UserID == userID {
			delete(c.subs, sub)
			dropped = append(dropped, sub)
		}
	}
	c.mu.Unlock()
	for _, sub := range dropped {
		sub.close()
	}
	return dropped
}

func trySend(ch chan domain.MutationEvent, ev domain.MutationEvent) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

func sendWithTimeout(ch chan domain.MutationEvent, ev domain.MutationEvent, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- ev:
		return true
	case <-timer.C:
		return false
	}
}
