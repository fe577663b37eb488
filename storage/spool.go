package storage

import (
	"context"
	"encoding/base64"
)

// SpooledEvent is a mutation event pulled back off the spool queue.
type SpooledEvent struct {
	ID      string
	Receipt string
	Payload []byte
}

// SpoolEvent parks a serialized mutation event on the spool queue when
// live publication fails, so the relay can replay it once the broker is
// reachable again. Queue messages are base64 to survive arbitrary bytes.
func (s *Storage) SpoolEvent(ctx context.Context, payload []byte) error {
	encoded := base64.StdEncoding.EncodeToString(payload)
	_, err := s.spool.EnqueueMessage(ctx, encoded, nil)
	return err
}

// DequeueSpooled retrieves a single spooled event, or nil when the spool
// is empty.
func (s *Storage) DequeueSpooled(ctx context.Context) (*SpooledEvent, error) {
	resp, err := s.spool.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	msg := resp.Messages[0]
	if msg.MessageID == nil || msg.PopReceipt == nil || msg.MessageText == nil {
		return nil, nil
	}
	payload, err := base64.StdEncoding.DecodeString(*msg.MessageText)
	if err != nil {
		return nil, err
	}
	return &SpooledEvent{ID: *msg.MessageID, Receipt: *msg.PopReceipt, Payload: payload}, nil
}

// DeleteSpooled acknowledges a replayed event.
func (s *Storage) DeleteSpooled(ctx context.Context, id, receipt string) error {
	_, err := s.spool.DeleteMessage(ctx, id, receipt, nil)
	return err
}
