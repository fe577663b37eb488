// Package storage persists boards, columns, tasks, groups, memberships and
// comments in Azure Table storage, and spools undeliverable mutation events
// to an Azure queue. Rows are keyed by board (partition) so column
// resequencing can be submitted as a single partition transaction.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/stormpaths/simple-kanban-sub001/domain"
)

// Tables names the table and queue each Storage instance binds to.
type Tables struct {
	Boards      string
	Columns     string
	Tasks       string
	Groups      string
	Memberships string
	Comments    string
	Users       string
	EventSpool  string
}

// Storage provides access to the underlying persistence mechanisms.
type Storage struct {
	boards      *aztables.Client
	columns     *aztables.Client
	tasks       *aztables.Client
	groups      *aztables.Client
	memberships *aztables.Client
	comments    *aztables.Client
	users       *aztables.Client
	spool       *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr string, tables Tables) (*Storage, error) {
	tableOpts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tableOpts)
	if err != nil {
		return nil, err
	}
	spool, err := azqueue.NewQueueClientFromConnectionString(connStr, tables.EventSpool, nil)
	if err != nil {
		return nil, err
	}
	return &Storage{
		boards:      svc.NewClient(tables.Boards),
		columns:     svc.NewClient(tables.Columns),
		tasks:       svc.NewClient(tables.Tasks),
		groups:      svc.NewClient(tables.Groups),
		memberships: svc.NewClient(tables.Memberships),
		comments:    svc.NewClient(tables.Comments),
		users:       svc.NewClient(tables.Users),
		spool:       spool,
	}, nil
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func mapWriteErr(err error) error {
	switch {
	case err == nil:
		return nil
	case isStatus(err, 404):
		return domain.ErrNotFound
	case isStatus(err, 409):
		return domain.ErrConcurrencyConflict
	case isStatus(err, 412):
		return domain.ErrConcurrencyConflict
	default:
		return err
	}
}

func escapeKey(v string) string {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, v[i])
	}
	return string(out)
}

func partitionFilter(pk string) string {
	return fmt.Sprintf("PartitionKey eq '%s'", escapeKey(pk))
}

type boardEntity struct {
	aztables.Entity
	Name        string `json:"Name"`
	Description string `json:"Description"`
	OwnerKind   string `json:"OwnerKind"`
	OwnerID     string `json:"OwnerId"`
	CreatedAt   int64  `json:"CreatedAt"`
	UpdatedAt   int64  `json:"UpdatedAt"`
}

func (e boardEntity) toDomain() domain.Board {
	return domain.Board{
		ID:          e.RowKey,
		Name:        e.Name,
		Description: e.Description,
		Owner:       domain.BoardOwner{Kind: domain.OwnerKind(e.OwnerKind), ID: e.OwnerID},
		CreatedAt:   time.Unix(0, e.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, e.UpdatedAt).UTC(),
	}
}

type columnEntity struct {
	aztables.Entity
	Name     string `json:"Name"`
	Position int64  `json:"Position"`
}

type taskEntity struct {
	aztables.Entity
	ColumnID    string `json:"ColumnId"`
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Position    int64  `json:"Position"`
	CreatedAt   int64  `json:"CreatedAt"`
	UpdatedAt   int64  `json:"UpdatedAt"`
}

func (e taskEntity) toDomain() domain.Task {
	return domain.Task{
		ID:          e.RowKey,
		BoardID:     e.PartitionKey,
		ColumnID:    e.ColumnID,
		Title:       e.Title,
		Description: e.Description,
		Position:    e.Position,
		CreatedAt:   time.Unix(0, e.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, e.UpdatedAt).UTC(),
	}
}

// GetBoard retrieves a single board.
func (s *Storage) GetBoard(ctx context.Context, boardID string) (*domain.Board, error) {
	resp, err := s.boards.GetEntity(ctx, boardID, boardID, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var ent boardEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	b := ent.toDomain()
	return &b, nil
}

// InsertBoard creates a board row.
func (s *Storage) InsertBoard(ctx context.Context, b domain.Board) error {
	ent := boardEntity{
		Entity:      aztables.Entity{PartitionKey: b.ID, RowKey: b.ID},
		Name:        b.Name,
		Description: b.Description,
		OwnerKind:   string(b.Owner.Kind),
		OwnerID:     b.Owner.ID,
		CreatedAt:   b.CreatedAt.UnixNano(),
		UpdatedAt:   b.UpdatedAt.UnixNano(),
	}
	payload, err := json.Marshal(ent)
	if err == nil {
		_, err = s.boards.AddEntity(ctx, payload, nil)
	}
	return mapWriteErr(err)
}

// UpdateBoard merges name/description changes into a board row. Writes are
// unconditional merges: concurrent updates resolve last-write-wins.
func (s *Storage) UpdateBoard(ctx context.Context, boardID string, name, description *string) (*domain.Board, error) {
	upd := struct {
		aztables.Entity
		Name        *string `json:"Name,omitempty"`
		Description *string `json:"Description,omitempty"`
		UpdatedAt   int64   `json:"UpdatedAt"`
	}{
		Entity:      aztables.Entity{PartitionKey: boardID, RowKey: boardID},
		Name:        name,
		Description: description,
		UpdatedAt:   time.Now().UTC().UnixNano(),
	}
	payload, err := json.Marshal(upd)
	if err == nil {
		et := azcore.ETagAny
		_, err = s.boards.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	}
	if err != nil {
		return nil, mapWriteErr(err)
	}
	return s.GetBoard(ctx, boardID)
}

// SetBoardOwner rewrites a board's ownership reference.
func (s *Storage) SetBoardOwner(ctx context.Context, boardID string, owner domain.BoardOwner) error {
	upd := struct {
		aztables.Entity
		OwnerKind string `json:"OwnerKind"`
		OwnerID   string `json:"OwnerId"`
		UpdatedAt int64  `json:"UpdatedAt"`
	}{
		Entity:    aztables.Entity{PartitionKey: boardID, RowKey: boardID},
		OwnerKind: string(owner.Kind),
		OwnerID:   owner.ID,
		UpdatedAt: time.Now().UTC().UnixNano(),
	}
	payload, err := json.Marshal(upd)
	if err == nil {
		et := azcore.ETagAny
		_, err = s.boards.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	}
	return mapWriteErr(err)
}

// ListGroupBoards returns the boards owned by a group.
func (s *Storage) ListGroupBoards(ctx context.Context, groupID string) ([]domain.Board, error) {
	filter := fmt.Sprintf("OwnerKind eq 'group' and OwnerId eq '%s'", escapeKey(groupID))
	pager := s.boards.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	boards := []domain.Board{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent boardEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			boards = append(boards, ent.toDomain())
		}
	}
	return boards, nil
}

// ListBoardColumns returns a board's columns ordered by position.
func (s *Storage) ListBoardColumns(ctx context.Context, boardID string) ([]domain.Column, error) {
	filter := partitionFilter(boardID)
	pager := s.columns.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	cols := []domain.Column{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent columnEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			cols = append(cols, domain.Column{ID: ent.RowKey, BoardID: boardID, Name: ent.Name, Position: ent.Position})
		}
	}
	sortColumns(cols)
	return cols, nil
}

// GetColumn retrieves one column of a board.
func (s *Storage) GetColumn(ctx context.Context, boardID, columnID string) (*domain.Column, error) {
	resp, err := s.columns.GetEntity(ctx, boardID, columnID, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var ent columnEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return &domain.Column{ID: ent.RowKey, BoardID: boardID, Name: ent.Name, Position: ent.Position}, nil
}

// InsertColumn creates a column row.
func (s *Storage) InsertColumn(ctx context.Context, c domain.Column) error {
	ent := columnEntity{
		Entity:   aztables.Entity{PartitionKey: c.BoardID, RowKey: c.ID},
		Name:     c.Name,
		Position: c.Position,
	}
	payload, err := json.Marshal(ent)
	if err == nil {
		_, err = s.columns.AddEntity(ctx, payload, nil)
	}
	return mapWriteErr(err)
}

// UpdateColumn merges column changes, last-write-wins.
func (s *Storage) UpdateColumn(ctx context.Context, boardID, columnID string, name *string, position *int64) (*domain.Column, error) {
	upd := struct {
		aztables.Entity
		Name     *string `json:"Name,omitempty"`
		Position *int64  `json:"Position,omitempty"`
	}{
		Entity:   aztables.Entity{PartitionKey: boardID, RowKey: columnID},
		Name:     name,
		Position: position,
	}
	payload, err := json.Marshal(upd)
	if err == nil {
		et := azcore.ETagAny
		_, err = s.columns.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	}
	if err != nil {
		return nil, mapWriteErr(err)
	}
	return s.GetColumn(ctx, boardID, columnID)
}

// DeleteColumn removes a column and every task in it.
func (s *Storage) DeleteColumn(ctx context.Context, boardID, columnID string) error {
	tasks, err := s.ListColumnTasks(ctx, boardID, columnID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := s.DeleteTask(ctx, boardID, t.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	_, err = s.columns.DeleteEntity(ctx, boardID, columnID, nil)
	return mapWriteErr(err)
}

// GetTask retrieves one task of a board.
func (s *Storage) GetTask(ctx context.Context, boardID, taskID string) (*domain.Task, error) {
	resp, err := s.tasks.GetEntity(ctx, boardID, taskID, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	t := ent.toDomain()
	return &t, nil
}

// ListColumnTasks returns the tasks of one column in total order.
func (s *Storage) ListColumnTasks(ctx context.Context, boardID, columnID string) ([]domain.Task, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and ColumnId eq '%s'", escapeKey(boardID), escapeKey(columnID))
	tasks, err := s.listTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	return domain.SortTasks(tasks), nil
}

// ListBoardTasks returns every task of a board in total order.
func (s *Storage) ListBoardTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	tasks, err := s.listTasks(ctx, partitionFilter(boardID))
	if err != nil {
		return nil, err
	}
	return domain.SortTasks(tasks), nil
}

func (s *Storage) listTasks(ctx context.Context, filter string) ([]domain.Task, error) {
	pager := s.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.toDomain())
		}
	}
	return tasks, nil
}

// InsertTask creates a task row.
func (s *Storage) InsertTask(ctx context.Context, t domain.Task) error {
	ent := taskEntity{
		Entity:      aztables.Entity{PartitionKey: t.BoardID, RowKey: t.ID},
		ColumnID:    t.ColumnID,
		Title:       t.Title,
		Description: t.Description,
		Position:    t.Position,
		CreatedAt:   t.CreatedAt.UnixNano(),
		UpdatedAt:   t.UpdatedAt.UnixNano(),
	}
	payload, err := json.Marshal(ent)
	if err == nil {
		_, err = s.tasks.AddEntity(ctx, payload, nil)
	}
	return mapWriteErr(err)
}

// TaskUpdate carries the mutable task fields; nil fields are untouched.
// CreatedAt is immutable and never part of an update.
type TaskUpdate struct {
	Title       *string
	Description *string
	ColumnID    *string
	Position    *int64
}

// UpdateTask merges changes into a task row, last-write-wins, and returns
// the row as persisted.
func (s *Storage) UpdateTask(ctx context.Context, boardID, taskID string, u TaskUpdate) (*domain.Task, error) {
	upd := struct {
		aztables.Entity
		Title       *string `json:"Title,omitempty"`
		Description *string `json:"Description,omitempty"`
		ColumnID    *string `json:"ColumnId,omitempty"`
		Position    *int64  `json:"Position,omitempty"`
		UpdatedAt   int64   `json:"UpdatedAt"`
	}{
		Entity:      aztables.Entity{PartitionKey: boardID, RowKey: taskID},
		Title:       u.Title,
		Description: u.Description,
		ColumnID:    u.ColumnID,
		Position:    u.Position,
		UpdatedAt:   time.Now().UTC().UnixNano(),
	}
	payload, err := json.Marshal(upd)
	if err == nil {
		et := azcore.ETagAny
		_, err = s.tasks.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	}
	if err != nil {
		return nil, mapWriteErr(err)
	}
	return s.GetTask(ctx, boardID, taskID)
}

// UpdateTaskPositions rewrites positions for a batch of tasks on one board
// as a single partition transaction, so a resequenced column is persisted
// atomically.
func (s *Storage) UpdateTaskPositions(ctx context.Context, boardID string, positions []domain.TaskPosition) error {
	if len(positions) == 0 {
		return nil
	}
	now := time.Now().UTC().UnixNano()
	actions := make([]aztables.TransactionAction, 0, len(positions))
	for _, p := range positions {
		upd := struct {
			aztables.Entity
			Position  int64 `json:"Position"`
			UpdatedAt int64 `json:"UpdatedAt"`
		}{
			Entity:    aztables.Entity{PartitionKey: boardID, RowKey: p.TaskID},
			Position:  p.Position,
			UpdatedAt: now,
		}
		payload, err := json.Marshal(upd)
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     payload,
		})
	}
	_, err := s.tasks.SubmitTransaction(ctx, actions, nil)
	return mapWriteErr(err)
}

// DeleteTask removes a task row.
func (s *Storage) DeleteTask(ctx context.Context, boardID, taskID string) error {
	_, err := s.tasks.DeleteEntity(ctx, boardID, taskID, nil)
	return mapWriteErr(err)
}

func sortColumns(cols []domain.Column) {
	sort.Slice(cols, func(i, j int) bool {
		if cols[i].Position != cols[j].Position {
			return cols[i].Position < cols[j].Position
		}
		return cols[i].ID < cols[j].ID
	})
}
