package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/stormpaths/simple-kanban-sub001/domain"
	"github.com/stormpaths/simple-kanban-sub001/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	boards   map[string]domain.Board
	columns  map[string]domain.Column
	tasks    map[string]domain.Task
	comments map[string]domain.Comment
	failWith error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		boards:   make(map[string]domain.Board),
		columns:  make(map[string]domain.Column),
		tasks:    make(map[string]domain.Task),
		comments: make(map[string]domain.Comment),
	}
}

func (f *fakeStore) GetBoard(ctx context.Context, boardID string) (*domain.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boards[boardID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &b, nil
}

func (f *fakeStore) UpdateBoard(ctx context.Context, boardID string, name, description *string) (*domain.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.boards[boardID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if name != nil {
		b.Name = *name
	}
	if description != nil {
		b.Description = *description
	}
	f.boards[boardID] = b
	return &b, nil
}

func (f *fakeStore) GetColumn(ctx context.Context, boardID, columnID string) (*domain.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.columns[columnID]
	if !ok || c.BoardID != boardID {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (f *fakeStore) ListBoardColumns(ctx context.Context, boardID string) ([]domain.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cols := []domain.Column{}
	for _, c := range f.columns {
		if c.BoardID == boardID {
			cols = append(cols, c)
		}
	}
	return cols, nil
}

func (f *fakeStore) InsertColumn(ctx context.Context, c domain.Column) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.columns[c.ID] = c
	return nil
}

func (f *fakeStore) UpdateColumn(ctx context.Context, boardID, columnID string, name *string, position *int64) (*domain.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.columns[columnID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if name != nil {
		c.Name = *name
	}
	if position != nil {
		c.Position = *position
	}
	f.columns[columnID] = c
	return &c, nil
}

func (f *fakeStore) DeleteColumn(ctx context.Context, boardID, columnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.columns, columnID)
	for id, t := range f.tasks {
		if t.ColumnID == columnID {
			delete(f.tasks, id)
		}
	}
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, boardID, taskID string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

func (f *fakeStore) ListColumnTasks(ctx context.Context, boardID, columnID string) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tasks := []domain.Task{}
	for _, t := range f.tasks {
		if t.BoardID == boardID && t.ColumnID == columnID {
			tasks = append(tasks, t)
		}
	}
	return domain.SortTasks(tasks), nil
}

func (f *fakeStore) InsertTask(ctx context.Context, t domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, boardID, taskID string, u storage.TaskUpdate) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.ColumnID != nil {
		t.ColumnID = *u.ColumnID
	}
	if u.Position != nil {
		t.Position = *u.Position
	}
	f.tasks[taskID] = t
	return &t, nil
}

func (f *fakeStore) UpdateTaskPositions(ctx context.Context, boardID string, positions []domain.TaskPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range positions {
		t, ok := f.tasks[p.TaskID]
		if !ok {
			return domain.ErrNotFound
		}
		t.Position = p.Position
		f.tasks[p.TaskID] = t
	}
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, boardID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[taskID]; !ok {
		return domain.ErrNotFound
	}
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeStore) GetComment(ctx context.Context, boardID, commentID string) (*domain.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[commentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (f *fakeStore) InsertComment(ctx context.Context, c domain.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[c.ID] = c
	return nil
}

func (f *fakeStore) UpdateComment(ctx context.Context, boardID, commentID, body string) (*domain.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[commentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c.Body = body
	f.comments[commentID] = c
	return &c, nil
}

func (f *fakeStore) DeleteComment(ctx context.Context, boardID, commentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.comments, commentID)
	return nil
}

type fakeAccess struct {
	roles map[string]domain.BoardRole // userID
}

func (f fakeAccess) Resolve(ctx context.Context, userID, boardID string) (domain.BoardRole, error) {
	if role, ok := f.roles[userID]; ok {
		return role, nil
	}
	return domain.RoleNone, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.MutationEvent
}

func (p *capturePublisher) Publish(ctx context.Context, ev domain.MutationEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *capturePublisher) Events() []domain.MutationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.MutationEvent, len(p.events))
	copy(out, p.events)
	return out
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetLevel(log.PanicLevel)
	return l
}

func testCoordinator(ordering domain.Ordering) (*Coordinator, *fakeStore, *capturePublisher) {
	st := newFakeStore()
	st.boards["b1"] = domain.Board{ID: "b1", Owner: domain.BoardOwner{Kind: domain.OwnerUser, ID: "u1"}}
	st.columns["colA"] = domain.Column{ID: "colA", BoardID: "b1", Name: "To Do", Position: 1024}
	st.columns["colB"] = domain.Column{ID: "colB", BoardID: "b1", Name: "Done", Position: 2048}
	pub := &capturePublisher{}
	access := fakeAccess{roles: map[string]domain.BoardRole{"u1": domain.RoleOwner, "u2": domain.RoleEditor}}
	return NewCoordinator(st, access, pub, ordering, quietLogger()), st, pub
}

func TestCreateTaskInEmptyColumnUsesSeed(t *testing.T) {
	c, _, pub := testCoordinator(domain.Ordering{Seed: 1024, Step: 1024})
	task, err := c.CreateTask(context.Background(), CreateTaskIntent{UserID: "u1", BoardID: "b1", ColumnID: "colA", Title: "first"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Position != 1024 {
		t.Fatalf("expected seed position 1024, got %d", task.Position)
	}
	events := pub.Events()
	if len(events) != 1 || events[0].Type != domain.TaskCreated {
		t.Fatalf("expected one task_created event, got %+v", events)
	}
}

func TestMoveTaskBeforeHead(t *testing.T) {
	c, st, pub := testCoordinator(domain.Ordering{Seed: 1024, Step: 10})
	st.tasks["t1"] = domain.Task{ID: "t1", BoardID: "b1", ColumnID: "colA", Position: 10}
	st.tasks["t2"] = domain.Task{ID: "t2", BoardID: "b1", ColumnID: "colA", Position: 20}

	moved, err := c.MoveTask(context.Background(), MoveTaskIntent{UserID: "u1", BoardID: "b1", TaskID: "t2", AfterTaskID: "t1"})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.Position != 5 {
		t.Fatalf("expected position 5, got %d", moved.Position)
	}
	tasks, _ := st.ListColumnTasks(context.Background(), "b1", "colA")
	if tasks[0].ID != "t2" || tasks[1].ID != "t1" {
		t.Fatalf("expected order [t2 t1], got [%s %s]", tasks[0].ID, tasks[1].ID)
	}
	events := pub.Events()
	if len(events) != 1 || events[0].Type != domain.TaskMoved {
		t.Fatalf("expected one task_moved event, got %+v", events)
	}
}

func TestMoveTaskAcrossColumnsToTail(t *testing.T) {
	c, st, pub := testCoordinator(domain.Ordering{Seed: 1024, Step: 10})
	st.tasks["t1"] = domain.Task{ID: "t1", BoardID: "b1", ColumnID: "colA", Position: 10}
	st.tasks["x1"] = domain.Task{ID: "x1", BoardID: "b1", ColumnID: "colB", Position: 10}
	st.tasks["x2"] = domain.Task{ID: "x2", BoardID: "b1", ColumnID: "colB", Position: 20}

	moved, err := c.MoveTask(context.Background(), MoveTaskIntent{UserID: "u1", BoardID: "b1", TaskID: "t1", ToColumnID: "colB"})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.Position != 30 {
		t.Fatalf("expected tail position 30, got %d", moved.Position)
	}
	if moved.ColumnID != "colB" {
		t.Fatalf("expected column colB, got %s", moved.ColumnID)
	}
	remaining, _ := st.ListColumnTasks(context.Background(), "b1", "colA")
	if len(remaining) != 0 {
		t.Fatalf("expected source column empty, got %d tasks", len(remaining))
	}

	events := pub.Events()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	var payload domain.TaskEventPayload
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.FromColumnID != "colA" {
		t.Fatalf("expected fromColumnId colA, got %q", payload.FromColumnID)
	}
}

func TestMoveIntoExhaustedGapResequencesOnce(t *testing.T) {
	c, st, pub := testCoordinator(domain.Ordering{Seed: 1024, Step: 1024})
	st.tasks["t1"] = domain.Task{ID: "t1", BoardID: "b1", ColumnID: "colA", Position: 10}
	st.tasks["t2"] = domain.Task{ID: "t2", BoardID: "b1", ColumnID: "colA", Position: 11}
	st.tasks["mover"] = domain.Task{ID: "mover", BoardID: "b1", ColumnID: "colB", Position: 10}

	moved, err := c.MoveTask(context.Background(), MoveTaskIntent{
		UserID: "u1", BoardID: "b1", TaskID: "mover",
		ToColumnID: "colA", BeforeTaskID: "t1", AfterTaskID: "t2",
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}

	events := pub.Events()
	if len(events) != 1 {
		t.Fatalf("resequence must emit exactly one event, got %d", len(events))
	}
	var payload domain.TaskEventPayload
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(payload.Positions) != 2 {
		t.Fatalf("expected remapping for 2 tasks, got %d", len(payload.Positions))
	}

	tasks, _ := st.ListColumnTasks(context.Background(), "b1", "colA")
	got := []string{tasks[0].ID, tasks[1].ID, tasks[2].ID}
	want := []string{"t1", "mover", "t2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
	if moved.Position <= tasks[0].Position || moved.Position >= tasks[2].Position {
		t.Fatalf("moved position %d not between neighbours %d and %d", moved.Position, tasks[0].Position, tasks[2].Position)
	}
}

func TestAccessDeniedPublishesNothing(t *testing.T) {
	c, _, pub := testCoordinator(domain.DefaultOrdering)
	_, err := c.CreateTask(context.Background(), CreateTaskIntent{UserID: "stranger", BoardID: "b1", ColumnID: "colA", Title: "nope"})
	if !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if len(pub.Events()) != 0 {
		t.Fatal("no event may be published for a denied write")
	}
}

func TestStorageFailurePublishesNothing(t *testing.T) {
	c, st, pub := testCoordinator(domain.DefaultOrdering)
	st.failWith = errors.New("table unavailable")
	_, err := c.CreateTask(context.Background(), CreateTaskIntent{UserID: "u1", BoardID: "b1", ColumnID: "colA", Title: "x"})
	if err == nil {
		t.Fatal("expected storage error")
	}
	if len(pub.Events()) != 0 {
		t.Fatal("no event may be published after a failed write")
	}
}

func TestDeleteTaskEmitsDeletedPayload(t *testing.T) {
	c, st, pub := testCoordinator(domain.DefaultOrdering)
	st.tasks["t1"] = domain.Task{ID: "t1", BoardID: "b1", ColumnID: "colA", Position: 10}
	if err := c.DeleteTask(context.Background(), "u2", "b1", "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	events := pub.Events()
	if len(events) != 1 || events[0].Type != domain.TaskDeleted {
		t.Fatalf("expected one task_deleted event, got %+v", events)
	}
	var payload domain.DeletedPayload
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.ID != "t1" || payload.ColumnID != "colA" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestCommentAuthorOnlyEdits(t *testing.T) {
	c, st, _ := testCoordinator(domain.DefaultOrdering)
	st.tasks["t1"] = domain.Task{ID: "t1", BoardID: "b1", ColumnID: "colA"}
	comment, err := c.CreateComment(context.Background(), "u1", "b1", "t1", "hello")
	if err != nil {
		t.Fatalf("create comment: %v", err)
	}
	if _, err := c.UpdateComment(context.Background(), "u2", "b1", comment.ID, "hijack"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for non-author edit, got %v", err)
	}
	if _, err := c.UpdateComment(context.Background(), "u1", "b1", comment.ID, "edited"); err != nil {
		t.Fatalf("author edit: %v", err)
	}
}
