package domain

import "encoding/json"

// Event types carried on the live board channel.
const (
	TaskCreated    = "task_created"
	TaskUpdated    = "task_updated"
	TaskMoved      = "task_moved"
	TaskDeleted    = "task_deleted"
	ColumnCreated  = "column_created"
	ColumnUpdated  = "column_updated"
	ColumnDeleted  = "column_deleted"
	BoardUpdated   = "board_updated"
	CommentCreated = "comment_created"
	CommentUpdated = "comment_updated"
	CommentDeleted = "comment_deleted"
)

// MutationEvent is the transient broadcast artifact fanned out to every
// subscriber of a board. Sequence is assigned per board by the channel at
// publish time; a gap observed by a client means it must re-fetch board
// state instead of trusting the stream.
type MutationEvent struct {
	Sequence uint64          `json:"sequenceNumber"`
	BoardID  string          `json:"boardId"`
	Type     string          `json:"eventType"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Time     int64           `json:"time"`
}

// TaskPosition is one entry of a resequence mapping.
type TaskPosition struct {
	TaskID   string `json:"taskId"`
	Position int64  `json:"position"`
}

// TaskEventPayload is the payload of task_created, task_updated and
// task_moved events. Positions carries the full column remapping when the
// write triggered a resequence, so observers receive one event for the
// whole renumbering rather than one per task.
type TaskEventPayload struct {
	Task         Task           `json:"task"`
	FromColumnID string         `json:"fromColumnId,omitempty"`
	Positions    []TaskPosition `json:"positions,omitempty"`
}

// DeletedPayload is the payload of *_deleted events.
type DeletedPayload struct {
	ID       string `json:"id"`
	ColumnID string `json:"columnId,omitempty"`
	TaskID   string `json:"taskId,omitempty"`
}
