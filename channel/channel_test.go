package channel

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stormpaths/simple-kanban-sub001/domain"
)

func testLogger() *log.Logger {
	l := log.New()
	l.SetLevel(log.PanicLevel)
	return l
}

func TestPublishFansOutInOrder(t *testing.T) {
	c := newBoardChannel("b1", 50*time.Millisecond, testLogger())
	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i] = NewSubscription("b1", "u1", domain.RoleEditor, 8)
		c.Subscribe(subs[i])
	}

	for i := 0; i < 5; i++ {
		c.Publish(domain.MutationEvent{Type: domain.TaskUpdated})
	}

	for _, sub := range subs {
		for want := uint64(1); want <= 5; want++ {
			select {
			case ev := <-sub.Events():
				if ev.Sequence != want {
					t.Fatalf("expected sequence %d, got %d", want, ev.Sequence)
				}
				if ev.BoardID != "b1" {
					t.Fatalf("expected board b1, got %s", ev.BoardID)
				}
			case <-time.After(time.Second):
				t.Fatal("event not delivered")
			}
		}
	}
}

func TestSlowSubscriberIsDroppedOthersKeepReceiving(t *testing.T) {
	c := newBoardChannel("b1", 10*time.Millisecond, testLogger())
	slow := NewSubscription("b1", "u1", domain.RoleEditor, 1)
	fast := NewSubscription("b1", "u2", domain.RoleEditor, 16)
	c.Subscribe(slow)
	c.Subscribe(fast)

	// Fill the slow subscriber's buffer, then keep publishing without
	// draining it.
	for i := 0; i < 3; i++ {
		c.Publish(domain.MutationEvent{Type: domain.TaskUpdated})
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	if got := c.Subscribers(); got != 1 {
		t.Fatalf("expected 1 remaining subscriber, got %d", got)
	}

	// The fast subscriber saw every event exactly once, in order.
	for want := uint64(1); want <= 3; want++ {
		select {
		case ev := <-fast.Events():
			if ev.Sequence != want {
				t.Fatalf("expected sequence %d, got %d", want, ev.Sequence)
			}
		case <-time.After(time.Second):
			t.Fatal("fast subscriber missed an event")
		}
	}
}

func TestUnsubscribeClosesDone(t *testing.T) {
	c := newBoardChannel("b1", time.Second, testLogger())
	sub := NewSubscription("b1", "u1", domain.RoleEditor, 1)
	c.Subscribe(sub)
	if remaining := c.Unsubscribe(sub); remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", remaining)
	}
	select {
	case <-sub.Done():
	default:
		t.Fatal("done not closed after unsubscribe")
	}
	// Unsubscribing twice is a no-op.
	c.Unsubscribe(sub)
}

func TestDropUserClosesOnlyThatUser(t *testing.T) {
	c := newBoardChannel("b1", time.Second, testLogger())
	revoked := NewSubscription("b1", "u1", domain.RoleEditor, 1)
	kept := NewSubscription("b1", "u2", domain.RoleEditor, 1)
	c.Subscribe(revoked)
	c.Subscribe(kept)

	dropped := c.DropUser("u1")
	if len(dropped) != 1 || dropped[0] != revoked {
		t.Fatalf("expected only u1's subscription dropped, got %d", len(dropped))
	}
	select {
	case <-revoked.Done():
	default:
		t.Fatal("revoked subscription not closed")
	}
	select {
	case <-kept.Done():
		t.Fatal("unrelated subscription was closed")
	default:
	}
}

func TestSequenceMonotonicPerBoard(t *testing.T) {
	c := newBoardChannel("b1", time.Second, testLogger())
	sub := NewSubscription("b1", "u1", domain.RoleEditor, 64)
	c.Subscribe(sub)
	var last uint64
	for i := 0; i < 20; i++ {
		seq := c.Publish(domain.MutationEvent{Type: domain.TaskCreated})
		if seq != last+1 {
			t.Fatalf("expected sequence %d, got %d", last+1, seq)
		}
		last = seq
	}
}
