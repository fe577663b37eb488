package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/stormpaths/simple-kanban-sub001/domain"
)

type createGroupRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *server) createGroup(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	var req createGroupRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	if req.Name == "" {
		return c.String(http.StatusBadRequest, "name is required")
	}
	group := domain.Group{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   userID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.InsertGroup(c.Request().Context(), group); err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(http.StatusCreated, group)
}

// deleteGroup dissolves a group. Its boards are not destroyed: ownership
// transfers to the deleting owner, and every other member's live
// subscriptions on those boards are force-closed since their access just
// went away.
func (s *server) deleteGroup(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	ctx := c.Request().Context()
	groupID := c.Param("id")

	actor, err := s.membership(ctx, groupID, userID)
	if err != nil {
		return s.writeErr(c, err)
	}
	if actor == nil || actor.Role != domain.GroupOwner {
		return c.NoContent(http.StatusForbidden)
	}

	boards, err := s.store.ListGroupBoards(ctx, groupID)
	if err != nil {
		return s.writeErr(c, err)
	}
	members, err := s.store.ListMemberships(ctx, groupID)
	if err != nil {
		return s.writeErr(c, err)
	}
	for _, b := range boards {
		if err := s.store.SetBoardOwner(ctx, b.ID, domain.BoardOwner{Kind: domain.OwnerUser, ID: userID}); err != nil {
			return s.writeErr(c, err)
		}
	}
	if err := s.store.DeleteGroup(ctx, groupID); err != nil {
		return s.writeErr(c, err)
	}
	s.dropMembers(boards, members, userID)
	return c.NoContent(http.StatusNoContent)
}

func (s *server) listMembers(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	ctx := c.Request().Context()
	groupID := c.Param("id")

	actor, err := s.membership(ctx, groupID, userID)
	if err != nil {
		return s.writeErr(c, err)
	}
	if actor == nil {
		return c.NoContent(http.StatusForbidden)
	}
	members, err := s.store.ListMemberships(ctx, groupID)
	if err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(http.StatusOK, members)
}

type putMemberRequest struct {
	Role domain.GroupRole `json:"role"`
}

// putMember adds a user to the group or changes their role. Admins manage
// members; only an owner may grant or revoke the owner role.
func (s *server) putMember(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	var req putMemberRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	switch req.Role {
	case domain.GroupMember, domain.GroupAdmin, domain.GroupOwner:
	default:
		return c.String(http.StatusBadRequest, "invalid role")
	}
	ctx := c.Request().Context()
	groupID := c.Param("id")
	targetID := c.Param("userId")

	actor, err := s.membership(ctx, groupID, userID)
	if err != nil {
		return s.writeErr(c, err)
	}
	if actor == nil || actor.Role == domain.GroupMember {
		return c.NoContent(http.StatusForbidden)
	}
	target, err := s.membership(ctx, groupID, targetID)
	if err != nil {
		return s.writeErr(c, err)
	}
	touchesOwner := req.Role == domain.GroupOwner || (target != nil && target.Role == domain.GroupOwner)
	if touchesOwner && actor.Role != domain.GroupOwner {
		return c.NoContent(http.StatusForbidden)
	}

	m := domain.Membership{UserID: targetID, GroupID: groupID, Role: req.Role}
	if err := s.store.PutMembership(ctx, m); err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

// deleteMember removes a user from the group. A member may always remove
// themselves; removing anyone else takes admin, and removing an owner takes
// owner. The removed user's live subscriptions on the group's boards are
// force-closed.
func (s *server) deleteMember(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	ctx := c.Request().Context()
	groupID := c.Param("id")
	targetID := c.Param("userId")

	actor, err := s.membership(ctx, groupID, userID)
	if err != nil {
		return s.writeErr(c, err)
	}
	if actor == nil {
		return c.NoContent(http.StatusForbidden)
	}
	if targetID != userID {
		if actor.Role == domain.GroupMember {
			return c.NoContent(http.StatusForbidden)
		}
		target, err := s.membership(ctx, groupID, targetID)
		if err != nil {
			return s.writeErr(c, err)
		}
		if target == nil {
			return c.NoContent(http.StatusNotFound)
		}
		if target.Role == domain.GroupOwner && actor.Role != domain.GroupOwner {
			return c.NoContent(http.StatusForbidden)
		}
	}

	if err := s.store.DeleteMembership(ctx, groupID, targetID); err != nil {
		return s.writeErr(c, err)
	}
	boards, err := s.store.ListGroupBoards(ctx, groupID)
	if err != nil {
		s.logger.Errorf("list group boards after member removal: %v", err)
		return c.NoContent(http.StatusNoContent)
	}
	s.dropMembers(boards, []domain.Membership{{UserID: targetID, GroupID: groupID}}, "")
	return c.NoContent(http.StatusNoContent)
}

// dropMembers closes the listed members' subscriptions on every board,
// skipping the user who keeps access.
func (s *server) dropMembers(boards []domain.Board, members []domain.Membership, keep string) {
	if s.drop == nil {
		return
	}
	for _, b := range boards {
		for _, m := range members {
			if m.UserID == keep {
				continue
			}
			if n := s.drop.DropUser(b.ID, m.UserID); n > 0 {
				s.logger.WithField("board", b.ID).Infof("closed %d live subscription(s) for removed user %s", n, m.UserID)
			}
		}
	}
}

type updateMeRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (s *server) updateMe(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	var req updateMeRequest
	if err := decodeBody(c, &req); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}
	user := domain.User{
		ID:        userID,
		Name:      req.Name,
		Email:     req.Email,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.UpsertUser(c.Request().Context(), user); err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(http.StatusOK, user)
}

func (s *server) deactivateMe(c echo.Context) error {
	userID, err := s.userID(c)
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	if err := s.store.DeactivateUser(c.Request().Context(), userID); err != nil {
		return s.writeErr(c, err)
	}
	s.logger.WithFields(log.Fields{"user": userID}).Info("user deactivated")
	return c.NoContent(http.StatusNoContent)
}
