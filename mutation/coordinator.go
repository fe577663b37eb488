// Package mutation is the single entry point write handlers call to apply a
// board change: it authorizes the actor, computes task positions, persists
// through the storage collaborator and only then publishes the resulting
// event to the board's live channel. On a storage failure nothing is ever
// published.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/stormpaths/simple-kanban-sub001/domain"
	"github.com/stormpaths/simple-kanban-sub001/storage"
)

// Store abstracts the persistence operations the coordinator needs.
type Store interface {
	GetBoard(ctx context.Context, boardID string) (*domain.Board, error)
	UpdateBoard(ctx context.Context, boardID string, name, description *string) (*domain.Board, error)
	GetColumn(ctx context.Context, boardID, columnID string) (*domain.Column, error)
	ListBoardColumns(ctx context.Context, boardID string) ([]domain.Column, error)
	InsertColumn(ctx context.Context, c domain.Column) error
	UpdateColumn(ctx context.Context, boardID, columnID string, name *string, position *int64) (*domain.Column, error)
	DeleteColumn(ctx context.Context, boardID, columnID string) error
	GetTask(ctx context.Context, boardID, taskID string) (*domain.Task, error)
	ListColumnTasks(ctx context.Context, boardID, columnID string) ([]domain.Task, error)
	InsertTask(ctx context.Context, t domain.Task) error
	UpdateTask(ctx context.Context, boardID, taskID string, u storage.TaskUpdate) (*domain.Task, error)
	UpdateTaskPositions(ctx context.Context, boardID string, positions []domain.TaskPosition) error
	DeleteTask(ctx context.Context, boardID, taskID string) error
	GetComment(ctx context.Context, boardID, commentID string) (*domain.Comment, error)
	InsertComment(ctx context.Context, c domain.Comment) error
	UpdateComment(ctx context.Context, boardID, commentID, body string) (*domain.Comment, error)
	DeleteComment(ctx context.Context, boardID, commentID string) error
}

// AccessResolver reports the actor's effective role on a board.
type AccessResolver interface {
	Resolve(ctx context.Context, userID, boardID string) (domain.BoardRole, error)
}

// Publisher carries a committed mutation event to every live subscriber.
type Publisher interface {
	Publish(ctx context.Context, ev domain.MutationEvent)
}

// Coordinator wires access resolution, the ordering engine, storage and
// event publication into one write path.
type Coordinator struct {
	store    Store
	access   AccessResolver
	publish  Publisher
	ordering domain.Ordering
	logger   *log.Logger
}

func NewCoordinator(store Store, access AccessResolver, publish Publisher, ordering domain.Ordering, logger *log.Logger) *Coordinator {
	return &Coordinator{store: store, access: access, publish: publish, ordering: ordering, logger: logger}
}

func (c *Coordinator) authorize(ctx context.Context, userID, boardID string) error {
	role, err := c.access.Resolve(ctx, userID, boardID)
	if err != nil {
		return err
	}
	if !role.CanEdit() {
		return domain.ErrAccessDenied
	}
	return nil
}

func (c *Coordinator) emit(ctx context.Context, boardID, eventType, userID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.WithFields(log.Fields{"board": boardID, "event": eventType}).Errorf("marshal event payload: %v", err)
		return
	}
	c.publish.Publish(ctx, domain.MutationEvent{
		BoardID: boardID,
		Type:    eventType,
		Payload: data,
		UserID:  userID,
		Time:    time.Now().UTC().UnixMilli(),
	})
}

// CreateTaskIntent describes a task insertion. BeforeTaskID/AfterTaskID
// anchor the slot; both empty appends at the column tail.
type CreateTaskIntent struct {
	UserID       string
	BoardID      string
	ColumnID     string
	Title        string
	Description  string
	BeforeTaskID string
	AfterTaskID  string
}

// CreateTask inserts a task at the requested slot and broadcasts
// task_created.
func (c *Coordinator) CreateTask(ctx context.Context, in CreateTaskIntent) (*domain.Task, error) {
	if err := c.authorize(ctx, in.UserID, in.BoardID); err != nil {
		return nil, err
	}
	if _, err := c.store.GetColumn(ctx, in.BoardID, in.ColumnID); err != nil {
		return nil, err
	}
	tasks, err := c.store.ListColumnTasks(ctx, in.BoardID, in.ColumnID)
	if err != nil {
		return nil, err
	}
	pos, remapped, err := c.placeInColumn(ctx, in.BoardID, tasks, in.BeforeTaskID, in.AfterTaskID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := domain.Task{
		ID:          uuid.NewString(),
		BoardID:     in.BoardID,
		ColumnID:    in.ColumnID,
		Title:       in.Title,
		Description: in.Description,
		Position:    pos,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	c.emit(ctx, in.BoardID, domain.TaskCreated, in.UserID, domain.TaskEventPayload{Task: task, Positions: remapped})
	return &task, nil
}

// UpdateTask changes a task's title/description and broadcasts
// task_updated. Position changes go through MoveTask.
func (c *Coordinator) UpdateTask(ctx context.Context, userID, boardID, taskID string, title, description *string) (*domain.Task, error) {
	if err := c.authorize(ctx, userID, boardID); err != nil {
		return nil, err
	}
	task, err := c.store.UpdateTask(ctx, boardID, taskID, storage.TaskUpdate{Title: title, Description: description})
	if err != nil {
		return nil, err
	}
	c.emit(ctx, boardID, domain.TaskUpdated, userID, domain.TaskEventPayload{Task: *task})
	return task, nil
}

// MoveTaskIntent describes a task move, within a column or across columns.
type MoveTaskIntent struct {
	UserID       string
	BoardID      string
	TaskID       string
	ToColumnID   string
	BeforeTaskID string
	AfterTaskID  string
}

// MoveTask recomputes the task's position in the destination column,
// persists it and broadcasts one task_moved event. A move across columns
// is a remove-then-insert: the source column's remaining tasks keep their
// positions. Concurrent moves of the same task resolve last-write-wins at
// the storage layer.
func (c *Coordinator) MoveTask(ctx context.Context, in MoveTaskIntent) (*domain.Task, error) {
	if err := c.authorize(ctx, in.UserID, in.BoardID); err != nil {
		return nil, err
	}
	task, err := c.store.GetTask(ctx, in.BoardID, in.TaskID)
	if err != nil {
		return nil, err
	}
	toColumn := in.ToColumnID
	if toColumn == "" {
		toColumn = task.ColumnID
	}
	if _, err := c.store.GetColumn(ctx, in.BoardID, toColumn); err != nil {
		return nil, err
	}
	tasks, err := c.store.ListColumnTasks(ctx, in.BoardID, toColumn)
	if err != nil {
		return nil, err
	}
	// The moving task must not anchor its own slot.
	dest := tasks[:0:0]
	for _, t := range tasks {
		if t.ID != in.TaskID {
			dest = append(dest, t)
		}
	}
	pos, remapped, err := c.placeInColumn(ctx, in.BoardID, dest, in.BeforeTaskID, in.AfterTaskID)
	if err != nil {
		return nil, err
	}

	fromColumn := ""
	if toColumn != task.ColumnID {
		fromColumn = task.ColumnID
	}
	moved, err := c.store.UpdateTask(ctx, in.BoardID, in.TaskID, storage.TaskUpdate{ColumnID: &toColumn, Position: &pos})
	if err != nil {
		return nil, err
	}
	c.emit(ctx, in.BoardID, domain.TaskMoved, in.UserID, domain.TaskEventPayload{
		Task:         *moved,
		FromColumnID: fromColumn,
		Positions:    remapped,
	})
	return moved, nil
}

// placeInColumn computes the position for the slot bracketed by the anchor
// IDs. When the gap is exhausted it resequences the column, persists the
// fresh mapping in one batch and recomputes against it; the mapping is
// returned so the caller folds it into a single broadcast event.
func (c *Coordinator) placeInColumn(ctx context.Context, boardID string, tasks []domain.Task, beforeID, afterID string) (int64, []domain.TaskPosition, error) {
	before, after := domain.AnchorPositions(tasks, beforeID, afterID)
	pos, err := c.ordering.AssignPosition(before, after)
	if err == nil {
		return pos, nil, nil
	}
	if !errors.Is(err, domain.ErrPositionExhausted) {
		return 0, nil, err
	}

	mapping := c.ordering.Resequence(tasks)
	if err := c.store.UpdateTaskPositions(ctx, boardID, mapping); err != nil {
		return 0, nil, err
	}
	c.logger.WithFields(log.Fields{"board": boardID, "tasks": len(mapping)}).Info("column resequenced")

	resequenced := make([]domain.Task, len(tasks))
	copy(resequenced, tasks)
	byID := make(map[string]int64, len(mapping))
	for _, m := range mapping {
		byID[m.TaskID] = m.Position
	}
	for i := range resequenced {
		resequenced[i].Position = byID[resequenced[i].ID]
	}
	before, after = domain.AnchorPositions(resequenced, beforeID, afterID)
	pos, err = c.ordering.AssignPosition(before, after)
	if err != nil {
		return 0, nil, err
	}
	return pos, mapping, nil
}

// DeleteTask removes a task and broadcasts task_deleted.
func (c *Coordinator) DeleteTask(ctx context.Context, userID, boardID, taskID string) error {
	if err := c.authorize(ctx, userID, boardID); err != nil {
		return err
	}
	task, err := c.store.GetTask(ctx, boardID, taskID)
	if err != nil {
		return err
	}
	if err := c.store.DeleteTask(ctx, boardID, taskID); err != nil {
		return err
	}
	c.emit(ctx, boardID, domain.TaskDeleted, userID, domain.DeletedPayload{ID: taskID, ColumnID: task.ColumnID})
	return nil
}

// CreateColumn appends a column at the end of the board and broadcasts
// column_created.
func (c *Coordinator) CreateColumn(ctx context.Context, userID, boardID, name string) (*domain.Column, error) {
	if err := c.authorize(ctx, userID, boardID); err != nil {
		return nil, err
	}
	cols, err := c.store.ListBoardColumns(ctx, boardID)
	if err != nil {
		return nil, err
	}
	pos := c.ordering.Seed
	if len(cols) > 0 {
		pos = cols[len(cols)-1].Position + c.ordering.Step
	}
	col := domain.Column{ID: uuid.NewString(), BoardID: boardID, Name: name, Position: pos}
	if err := c.store.InsertColumn(ctx, col); err != nil {
		return nil, err
	}
	c.emit(ctx, boardID, domain.ColumnCreated, userID, col)
	return &col, nil
}

// UpdateColumn renames or repositions a column and broadcasts
// column_updated.
func (c *Coordinator) UpdateColumn(ctx context.Context, userID, boardID, columnID string, name *string, position *int64) (*domain.Column, error) {
	if err := c.authorize(ctx, userID, boardID); err != nil {
		return nil, err
	}
	col, err := c.store.UpdateColumn(ctx, boardID, columnID, name, position)
	if err != nil {
		return nil, err
	}
	c.emit(ctx, boardID, domain.ColumnUpdated, userID, *col)
	return col, nil
}

// DeleteColumn removes a column with its tasks and broadcasts
// column_deleted.
func (c *Coordinator) DeleteColumn(ctx context.Context, userID, boardID, columnID string) error {
	if err := c.authorize(ctx, userID, boardID); err != nil {
		return err
	}
	if err := c.store.DeleteColumn(ctx, boardID, columnID); err != nil {
		return err
	}
	c.emit(ctx, boardID, domain.ColumnDeleted, userID, domain.DeletedPayload{ID: columnID})
	return nil
}

// UpdateBoard changes board metadata and broadcasts board_updated.
func (c *Coordinator) UpdateBoard(ctx context.Context, userID, boardID string, name, description *string) (*domain.Board, error) {
	if err := c.authorize(ctx, userID, boardID); err != nil {
		return nil, err
	}
	board, err := c.store.UpdateBoard(ctx, boardID, name, description)
	if err != nil {
		return nil, err
	}
	c.emit(ctx, boardID, domain.BoardUpdated, userID, *board)
	return board, nil
}

// CreateComment attaches a comment to a task and broadcasts
// comment_created.
func (c *Coordinator) CreateComment(ctx context.Context, userID, boardID, taskID, body string) (*domain.Comment, error) {
	if err := c.authorize(ctx, userID, boardID); err != nil {
		return nil, err
	}
	if _, err := c.store.GetTask(ctx, boardID, taskID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	comment := domain.Comment{
		ID:        uuid.NewString(),
		BoardID:   boardID,
		TaskID:    taskID,
		AuthorID:  userID,
		Body:      body,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}
	c.emit(ctx, boardID, domain.CommentCreated, userID, comment)
	return &comment, nil
}

// UpdateComment edits a comment body and broadcasts comment_updated. Only
// the author may edit.
func (c *Coordinator) UpdateComment(ctx context.Context, userID, boardID, commentID, body string) (*domain.Comment, error) {
	if err := c.authorize(ctx, userID, boardID); err != nil {
		return nil, err
	}
	existing, err := c.store.GetComment(ctx, boardID, commentID)
	if err != nil {
		return nil, err
	}
	if existing.AuthorID != userID {
		return nil, domain.ErrAccessDenied
	}
	comment, err := c.store.UpdateComment(ctx, boardID, commentID, body)
	if err != nil {
		return nil, err
	}
	c.emit(ctx, boardID, domain.CommentUpdated, userID, *comment)
	return comment, nil
}

// DeleteComment removes a comment and broadcasts comment_deleted.
func (c *Coordinator) DeleteComment(ctx context.Context, userID, boardID, commentID string) error {
	if err := c.authorize(ctx, userID, boardID); err != nil {
		return err
	}
	existing, err := c.store.GetComment(ctx, boardID, commentID)
	if err != nil {
		return err
	}
	if existing.AuthorID != userID {
		return domain.ErrAccessDenied
	}
	if err := c.store.DeleteComment(ctx, boardID, commentID); err != nil {
		return err
	}
	c.emit(ctx, boardID, domain.CommentDeleted, userID, domain.DeletedPayload{ID: commentID, TaskID: existing.TaskID})
	return nil
}
