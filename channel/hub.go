package channel

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stormpaths/simple-kanban-sub001/domain"
)

// Hub is the process-wide registry mapping board ID to its live channel.
// Channels are created lazily on first subscribe and reaped a grace period
// after the last subscriber leaves, so a single flaky client bouncing on
// one board does not thrash allocation. The hub lock guards only map
// mutation; per-board publishing runs outside it, so activity on one board
// never blocks another.
type Hub struct {
	publishTimeout time.Duration
	grace          time.Duration
	logger         *log.Logger

	mu     sync.Mutex
	boards map[string]*boardEntry
}

type boardEntry struct {
	ch        *BoardChannel
	reapTimer *time.Timer
}

// NewHub creates a hub. publishTimeout bounds how long a publish waits on
// one slow subscriber; grace is how long an empty channel lingers before
// being reaped.
func NewHub(publishTimeout, grace time.Duration, logger *log.Logger) *Hub {
	return &Hub{
		publishTimeout: publishTimeout,
		grace:          grace,
		logger:         logger,
		boards:         make(map[string]*boardEntry),
	}
}

// Subscribe attaches the subscription to its board's channel, creating the
// channel on first use.
func (h *Hub) Subscribe(sub *Subscription) {
	h.mu.Lock()
	e, ok := h.boards[sub.BoardID]
	if !ok {
		e = &boardEntry{ch: newBoardChannel(sub.BoardID, h.publishTimeout, h.logger)}
		h.boards[sub.BoardID] = e
		h.logger.WithField("board", sub.BoardID).Debug("board channel created")
	}
	if e.reapTimer != nil {
		e.reapTimer.Stop()
		e.reapTimer = nil
	}
	h.mu.Unlock()
	e.ch.Subscribe(sub)
}

// Unsubscribe detaches the subscription. When the board's last subscriber
// leaves, the channel is scheduled for reaping after the grace period.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	e, ok := h.boards[sub.BoardID]
	h.mu.Unlock()
	if !ok {
		sub.close()
		return
	}
	if e.ch.Unsubscribe(sub) == 0 {
		h.scheduleReap(sub.BoardID, e)
	}
}

func (h *Hub) scheduleReap(boardID string, e *boardEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.boards[boardID] != e {
		return
	}
	if e.reapTimer != nil {
		e.reapTimer.Stop()
	}
	e.reapTimer = time.AfterFunc(h.grace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		// A subscriber may have raced in during the grace period.
		if h.boards[boardID] == e && e.ch.Subscribers() == 0 {
			delete(h.boards, boardID)
			h.logger.WithField("board", boardID).Debug("board channel reaped")
		}
	})
}

// Publish delivers the event to the board's channel if one is live. It
// returns the assigned sequence number and whether any channel existed; a
// board with no live viewers has no channel and the event is simply not
// fanned out.
func (h *Hub) Publish(ev domain.MutationEvent) (uint64, bool) {
	h.mu.Lock()
	e, ok := h.boards[ev.BoardID]
	h.mu.Unlock()
	if !ok {
		return 0, false
	}
	return e.ch.Publish(ev), true
}

// DropUser force-closes the user's subscriptions on the given board,
// scheduling the channel for reaping if that emptied it.
func (h *Hub) DropUser(boardID, userID string) int {
	h.mu.Lock()
	e, ok := h.boards[boardID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	dropped := e.ch.DropUser(userID)
	if len(dropped) > 0 && e.ch.Subscribers() == 0 {
		h.scheduleReap(boardID, e)
	}
	return len(dropped)
}

// Boards reports how many board channels are currently live.
func (h *Hub) Boards() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.boards)
}
