package domain

import "time"

// GroupRole is a user's role inside a group.
type GroupRole string

const (
	GroupMember GroupRole = "member"
	GroupAdmin  GroupRole = "admin"
	GroupOwner  GroupRole = "owner"
)

// BoardRole is the effective role a user holds on a board.
type BoardRole string

const (
	RoleNone   BoardRole = "none"
	RoleViewer BoardRole = "viewer"
	RoleEditor BoardRole = "editor"
	RoleOwner  BoardRole = "owner"
)

// CanEdit reports whether the role permits writes to the board.
func (r BoardRole) CanEdit() bool {
	return r == RoleEditor || r == RoleOwner
}

// CanObserve reports whether the role permits reading the board and its
// live event stream.
func (r BoardRole) CanObserve() bool {
	return r != RoleNone
}

// BoardRoleForGroupRole maps a group membership role to the effective board
// role on that group's boards. There is no read-only tier: members edit.
// This mapping is the single place to introduce a viewer role.
func BoardRoleForGroupRole(gr GroupRole) BoardRole {
	switch gr {
	case GroupOwner:
		return RoleOwner
	case GroupAdmin, GroupMember:
		return RoleEditor
	default:
		return RoleNone
	}
}

// Group owns zero or more boards.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Membership ties a user to a group with a role. A group always has at
// least one owner while it exists.
type Membership struct {
	UserID  string    `json:"userId"`
	GroupID string    `json:"groupId"`
	Role    GroupRole `json:"role"`
}

// User is an account that can own boards and join groups. Users are
// deactivated rather than deleted while boards or memberships refer to them.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}
