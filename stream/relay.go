// Package stream carries committed mutation events to live board viewers:
// it relays events across instances through Redis pub/sub and serves each
// viewer's websocket connection.
package stream

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/stormpaths/simple-kanban-sub001/channel"
	"github.com/stormpaths/simple-kanban-sub001/domain"
	"github.com/stormpaths/simple-kanban-sub001/storage"
)

// EventsChannel is the Redis pub/sub channel all instances share.
const EventsChannel = "kanban:events"

// Spool retains events that could not be published to Redis so they are
// retried instead of lost.
type Spool interface {
	SpoolEvent(ctx context.Context, payload []byte) error
	DequeueSpooled(ctx context.Context) (*storage.SpooledEvent, error)
	DeleteSpooled(ctx context.Context, id, receipt string) error
}

// Relay is the publication path between the write side and the per-board
// channels. With Redis configured every event goes through pub/sub so all
// instances fan it out; the publishing instance receives its own events back
// on the subscribe loop, which keeps local delivery single-sourced. Without
// Redis the relay degrades to local-only fan-out.
type Relay struct {
	hub    *channel.Hub
	rc     *redis.Client
	spool  Spool
	retry  RetryPolicy
	logger *log.Logger
}

func NewRelay(hub *channel.Hub, rc *redis.Client, spool Spool, retry RetryPolicy, logger *log.Logger) *Relay {
	return &Relay{hub: hub, rc: rc, spool: spool, retry: retry, logger: logger}
}

// Publish sends a committed mutation event toward every subscriber. When the
// Redis publish fails the event is still fanned out locally and spooled for
// the drain loop, so viewers on this instance stay live while other
// instances catch up once the broker recovers.
func (r *Relay) Publish(ctx context.Context, ev domain.MutationEvent) {
	if r.rc == nil {
		r.hub.Publish(ev)
		return
	}
	data, err := sonic.Marshal(ev)
	if err != nil {
		r.logger.WithField("board", ev.BoardID).Errorf("marshal event for relay: %v", err)
		return
	}
	if err := r.rc.Publish(ctx, EventsChannel, data).Err(); err != nil {
		r.logger.WithField("board", ev.BoardID).Errorf("redis publish failed, falling back to local fan-out: %v", err)
		r.hub.Publish(ev)
		if r.spool != nil {
			if spoolErr := r.spool.SpoolEvent(ctx, data); spoolErr != nil {
				r.logger.WithField("board", ev.BoardID).Errorf("spool event: %v", spoolErr)
			}
		}
	}
}

// Run consumes the shared Redis channel and fans every received event into
// the local hub. It reconnects with backoff when the pub/sub channel closes
// and returns once ctx is cancelled. A relay without Redis has nothing to
// consume and returns immediately.
func (r *Relay) Run(ctx context.Context) {
	if r.rc == nil {
		return
	}
	attempt := 0
	for {
		sub := r.rc.Subscribe(ctx, EventsChannel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				attempt = 0
				var ev domain.MutationEvent
				if err := sonic.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.Errorf("unable to parse relayed event: %v", err)
					continue
				}
				r.hub.Publish(ev)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		attempt++
		r.logger.Error("event channel closed, reconnecting")
		select {
		case <-time.After(r.retry.Backoff(attempt)):
		case <-ctx.Done():
			return
		}
	}
}

// DrainSpool re-publishes spooled events to Redis until the spool is empty
// or an attempt fails, then sleeps with backoff. It returns when ctx is
// cancelled.
func (r *Relay) DrainSpool(ctx context.Context, interval time.Duration) {
	if r.rc == nil || r.spool == nil {
		return
	}
	attempt := 0
	for {
		drained, err := r.drainOnce(ctx)
		if err != nil {
			attempt++
			r.logger.Errorf("spool drain: %v", err)
		} else {
			attempt = 0
			if drained > 0 {
				r.logger.WithField("events", drained).Info("spooled events re-published")
			}
		}
		wait := interval
		if attempt > 0 {
			wait = r.retry.Backoff(attempt)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) drainOnce(ctx context.Context) (int, error) {
	drained := 0
	for {
		ev, err := r.spool.DequeueSpooled(ctx)
		if err != nil {
			return drained, err
		}
		if ev == nil {
			return drained, nil
		}
		if err := r.rc.Publish(ctx, EventsChannel, ev.Payload).Err(); err != nil {
			return drained, err
		}
		if err := r.spool.DeleteSpooled(ctx, ev.ID, ev.Receipt); err != nil {
			return drained, err
		}
		drained++
	}
}
