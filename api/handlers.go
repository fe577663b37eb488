// Package api exposes the board write surface and the read path clients use
// to resynchronize after a stream gap.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/stormpaths/simple-kanban-sub001/domain"
	"github.com/stormpaths/simple-kanban-sub001/mutation"
)

const requestBodyMaxSize = 1 << 20

// Storage covers the read and account operations the handlers reach past
// the mutation coordinator for.
type Storage interface {
	GetBoard(ctx context.Context, boardID string) (*domain.Board, error)
	InsertBoard(ctx context.Context, b domain.Board) error
	SetBoardOwner(ctx context.Context, boardID string, owner domain.BoardOwner) error
	ListGroupBoards(ctx context.Context, groupID string) ([]domain.Board, error)
	ListBoardColumns(ctx context.Context, boardID string) ([]domain.Column, error)
	ListBoardTasks(ctx context.Context, boardID string) ([]domain.Task, error)
	ListTaskComments(ctx context.Context, boardID, taskID string) ([]domain.Comment, error)
	InsertGroup(ctx context.Context, g domain.Group) error
	DeleteGroup(ctx context.Context, groupID string) error
	GetMembership(ctx context.Context, groupID, userID string) (*domain.Membership, error)
	ListMemberships(ctx context.Context, groupID string) ([]domain.Membership, error)
	PutMembership(ctx context.Context, m domain.Membership) error
	DeleteMembership(ctx context.Context, groupID, userID string) error
	UpsertUser(ctx context.Context, u domain.User) error
	DeactivateUser(ctx context.Context, userID string) error
}

// Mutator is the write path every board change goes through.
type Mutator interface {
	CreateTask(ctx context.Context, in mutation.CreateTaskIntent) (*domain.Task, error)
	UpdateTask(ctx context.Context, userID, boardID, taskID string, title, description *string) (*domain.Task, error)
	MoveTask(ctx context.Context, in mutation.MoveTaskIntent) (*domain.Task, error)
	DeleteTask(ctx context.Context, userID, boardID, taskID string) error
	CreateColumn(ctx context.Context, userID, boardID, name string) (*domain.Column, error)
	UpdateColumn(ctx context.Context, userID, boardID, columnID string, name *string, position *int64) (*domain.Column, error)
	DeleteColumn(ctx context.Context, userID, boardID, columnID string) error
	UpdateBoard(ctx context.Context, userID, boardID string, name, description *string) (*domain.Board, error)
	CreateComment(ctx context.Context, userID, boardID, taskID, body string) (*domain.Comment, error)
	UpdateComment(ctx context.Context, userID, boardID, commentID, body string) (*domain.Comment, error)
	DeleteComment(ctx context.Context, userID, boardID, commentID string) error
}

// AccessResolver reports a caller's effective role on a board.
type AccessResolver interface {
	Resolve(ctx context.Context, userID, boardID string) (domain.BoardRole, error)
}

// Authenticator verifies the Authorization header.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Dropper force-closes a user's live subscriptions on a board, used when
// access is revoked mid-session.
type Dropper interface {
	DropUser(boardID, userID string) int
}

type server struct {
	store  Storage
	mut    Mutator
	access AccessResolver
	auth   Authenticator
	dedupe Deduper
	drop   Dropper
	logger *log.Logger
}

// Register wires up all REST routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, mut Mutator, access AccessResolver, auth Authenticator, dedupe Deduper, drop Dropper, logger *log.Logger) {
	s := &server{store: store, mut: mut, access: access, auth: auth, dedupe: dedupe, drop: drop, logger: logger}

	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	e.POST("/api/boards", s.createBoard)
	e.GET("/api/boards/:id", s.boardState)
	e.PATCH("/api/boards/:id", s.updateBoard)

	e.POST("/api/boards/:id/columns", s.createColumn)
	e.PATCH("/api/boards/:id/columns/:columnId", s.updateColumn)
	e.DELETE("/api/boards/:id/columns/:columnId", s.deleteColumn)

	e.POST("/api/boards/:id/tasks", s.createTask)
	e.PATCH("/api/boards/:id/tasks/:taskId", s.updateTask)
	e.POST("/api/boards/:id/tasks/:taskId/move", s.moveTask)
	e.DELETE("/api/boards/:id/tasks/:taskId", s.deleteTask)

	e.GET("/api/boards/:id/tasks/:taskId/comments", s.listComments)
	e.POST("/api/boards/:id/tasks/:taskId/comments", s.createComment)
	e.PATCH("/api/boards/:id/comments/:commentId", s.updateComment)
	e.DELETE("/api/boards/:id/comments/:commentId", s.deleteComment)

	e.POST("/api/groups", s.createGroup)
	e.DELETE("/api/groups/:id", s.deleteGroup)
	e.GET("/api/groups/:id/members", s.listMembers)
	e.PUT("/api/groups/:id/members/:userId", s.putMember)
	e.DELETE("/api/groups/:id/members/:userId", s.deleteMember)

	e.PUT("/api/users/me", s.updateMe)
	e.DELETE("/api/users/me", s.deactivateMe)
}

func (s *server) userID(c echo.Context) (string, error) {
	return s.auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *server) writeErr(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrAccessDenied):
		return c.NoContent(http.StatusForbidden)
	case errors.Is(err, domain.ErrNotFound):
		return c.NoContent(http.StatusNotFound)
	case errors.Is(err, domain.ErrLastOwner):
		return c.String(http.StatusConflict, "group must keep at least one owner")
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return c.NoContent(http.StatusConflict)
	default:
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, err.Error())
	}
}

// membership looks up a group membership, folding a missing row into nil
// so callers can treat "not a member" as a policy decision, not an error.
func (s *server) membership(ctx context.Context, groupID, userID string) (*domain.Membership, error) {
	m, err := s.store.GetMembership(ctx, groupID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// claimKey reserves the request's idempotency key. A request with no key
// always proceeds. release undoes the claim so the client may retry after a
// downstream failure.
func (s *server) claimKey(c echo.Context, userID string) (release func(), proceed bool, err error) {
	noop := func() {}
	key := c.Request().Header.Get("Idempotency-Key")
	if key == "" || s.dedupe == nil {
		return noop, true, nil
	}
	ctx := c.Request().Context()
	added, err := s.dedupe.Add(ctx, userID, key)
	if err != nil {
		return noop, false, err
	}
	if !added {
		return noop, false, nil
	}
	return func() {
		if remErr := s.dedupe.Remove(context.Background(), userID, key); remErr != nil {
			s.logger.Errorf("release idempotency key: %v", remErr)
		}
	}, true, nil
}

type createBoardRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	GroupID     string `json:"groupId"`
}

func (s *server) createBoard(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	var req createBoardRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if req.Name == "" {
		return c.String(http.StatusBadRequest, "name is required")
	}
	ctx := c.Request().Context()

	owner := domain.BoardOwner{Kind: domain.OwnerUser, ID: userID}
	if req.GroupID != "" {
		m, err := s.membership(ctx, req.GroupID, userID)
		if err != nil {
			return s.writeErr(c, err)
		}
		if m == nil {
			return c.NoContent(http.StatusForbidden)
		}
		owner = domain.BoardOwner{Kind: domain.OwnerGroup, ID: req.GroupID}
	}

	now := time.Now().UTC()
	board := domain.Board{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Owner:       owner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertBoard(ctx, board); err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, board)
}

type columnState struct {
	domain.Column
	Tasks []domain.Task `json:"tasks"`
}

type boardStateResponse struct {
	Board   domain.Board     `json:"board"`
	Role    domain.BoardRole `json:"role"`
	Columns []columnState    `json:"columns"`
}

// boardState returns the full board snapshot. Clients call this on first
// load and whenever they detect a sequence gap on the live stream.
func (s *server) boardState(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	ctx := c.Request().Context()
	boardID := c.Param("id")

	role, err := s.access.Resolve(ctx, userID, boardID)
	if err != nil {
		return s.writeErr(c, err)
	}
	if !role.CanObserve() {
		return c.NoContent(http.StatusForbidden)
	}
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return s.writeErr(c, err)
	}
	if board == nil {
		return c.NoContent(http.StatusNotFound)
	}
	columns, err := s.store.ListBoardColumns(ctx, boardID)
	if err != nil {
		return s.writeErr(c, err)
	}
	tasks, err := s.store.ListBoardTasks(ctx, boardID)
	if err != nil {
		return s.writeErr(c, err)
	}

	byColumn := make(map[string][]domain.Task, len(columns))
	for _, t := range tasks {
		byColumn[t.ColumnID] = append(byColumn[t.ColumnID], t)
	}
	resp := boardStateResponse{Board: *board, Role: role, Columns: make([]columnState, 0, len(columns))}
	for _, col := range columns {
		resp.Columns = append(resp.Columns, columnState{
			Column: col,
			Tasks:  domain.SortTasks(byColumn[col.ID]),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

type updateBoardRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

func (s *server) updateBoard(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	var req updateBoardRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	board, err := s.mut.UpdateBoard(c.Request().Context(), userID, c.Param("id"), req.Name, req.Description)
	if err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(http.StatusOK, board)
}

type createColumnRequest struct {
	Name string `json:"name"`
}

func (s *server) createColumn(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	var req createColumnRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if req.Name == "" {
		return c.String(http.StatusBadRequest, "name is required")
	}
	release, proceed, err := s.claimKey(c, userID)
	if err != nil {
		return s.writeErr(c, err)
	}
	if !proceed {
		return c.String(http.StatusConflict, "duplicate request")
	}
	col, err := s.mut.CreateColumn(c.Request().Context(), userID, c.Param("id"), req.Name)
	if err != nil {
		release()
		return s.writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, col)
}

type updateColumnRequest struct {
	Name     *string `json:"name"`
	Position *int64  `json:"position"`
}

func (s *server) updateColumn(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	var req updateColumnRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	col, err := s.mut.UpdateColumn(c.Request().Context(), userID, c.Param("id"), c.Param("columnId"), req.Name, req.Position)
	if err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(http.StatusOK, col)
}

func (s *server) deleteColumn(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	if err := s.mut.DeleteColumn(c.Request().Context(), userID, c.Param("id"), c.Param("columnId")); err != nil {
		return s.writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type createTaskRequest struct {
	ColumnID     string `json:"columnId"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	BeforeTaskID string `json:"beforeTaskId"`
	AfterTaskID  string `json:"afterTaskId"`
}

func (s *server) createTask(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	var req createTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if req.ColumnID == "" || req.Title == "" {
		return c.String(http.StatusBadRequest, "columnId and title are required")
	}
	release, proceed, err := s.claimKey(c, userID)
	if err != nil {
		return s.writeErr(c, err)
	}
	if !proceed {
		return c.String(http.StatusConflict, "duplicate request")
	}
	task, err := s.mut.CreateTask(c.Request().Context(), mutation.CreateTaskIntent{
		UserID:       userID,
		BoardID:      c.Param("id"),
		ColumnID:     req.ColumnID,
		Title:        req.Title,
		Description:  req.Description,
		BeforeTaskID: req.BeforeTaskID,
		AfterTaskID:  req.AfterTaskID,
	})
	if err != nil {
		release()
		return s.writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

type updateTaskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

func (s *server) updateTask(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	var req updateTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	task, err := s.mut.UpdateTask(c.Request().Context(), userID, c.Param("id"), c.Param("taskId"), req.Title, req.Description)
	if err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

type moveTaskRequest struct {
	ToColumnID   string `json:"toColumnId"`
	BeforeTaskID string `json:"beforeTaskId"`
	AfterTaskID  string `json:"afterTaskId"`
}

func (s *server) moveTask(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	var req moveTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	release, proceed, err := s.claimKey(c, userID)
	if err != nil {
		return s.writeErr(c, err)
	}
	if !proceed {
		return c.String(http.StatusConflict, "duplicate request")
	}
	task, err := s.mut.MoveTask(c.Request().Context(), mutation.MoveTaskIntent{
		UserID:       userID,
		BoardID:      c.Param("id"),
		TaskID:       c.Param("taskId"),
		ToColumnID:   req.ToColumnID,
		BeforeTaskID: req.BeforeTaskID,
		AfterTaskID:  req.AfterTaskID,
	})
	if err != nil {
		release()
		return s.writeErr(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

func (s *server) deleteTask(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	if err := s.mut.DeleteTask(c.Request().Context(), userID, c.Param("id"), c.Param("taskId")); err != nil {
		return s.writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *server) listComments(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	ctx := c.Request().Context()
	boardID := c.Param("id")
	role, err := s.access.Resolve(ctx, userID, boardID)
	if err != nil {
		return s.writeErr(c, err)
	}
	if !role.CanObserve() {
		return c.NoContent(http.StatusForbidden)
	}
	comments, err := s.store.ListTaskComments(ctx, boardID, c.Param("taskId"))
	if err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(http.StatusOK, comments)
}

type commentRequest struct {
	Body string `json:"body"`
}

func (s *server) createComment(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	var req commentRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if req.Body == "" {
		return c.String(http.StatusBadRequest, "body is required")
	}
	comment, err := s.mut.CreateComment(c.Request().Context(), userID, c.Param("id"), c.Param("taskId"), req.Body)
	if err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, comment)
}

func (s *server) updateComment(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	var req commentRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	comment, err := s.mut.UpdateComment(c.Request().Context(), userID, c.Param("id"), c.Param("commentId"), req.Body)
	if err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(http.StatusOK, comment)
}

func (s *server) deleteComment(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	if err := s.mut.DeleteComment(c.Request().Context(), userID, c.Param("id"), c.Param("commentId")); err != nil {
		return s.writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
