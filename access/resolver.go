// Package access resolves a user's effective role on a board. Resolution
// happens against storage on every call so membership changes take effect
// immediately rather than at next login.
package access

import (
	"context"
	"errors"

	"github.com/stormpaths/simple-kanban-sub001/domain"
)

// Store provides the board and membership lookups resolution needs.
type Store interface {
	GetBoard(ctx context.Context, boardID string) (*domain.Board, error)
	GetMembership(ctx context.Context, groupID, userID string) (*domain.Membership, error)
}

// Resolver maps (user, board) to an effective board role.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the user's role on the board. A missing board or missing
// membership resolves to RoleNone; it is the caller's job to reject the
// operation, not an error here.
func (r *Resolver) Resolve(ctx context.Context, userID, boardID string) (domain.BoardRole, error) {
	board, err := r.store.GetBoard(ctx, boardID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.RoleNone, nil
		}
		return domain.RoleNone, err
	}
	switch board.Owner.Kind {
	case domain.OwnerUser:
		if board.Owner.ID == userID {
			return domain.RoleOwner, nil
		}
		return domain.RoleNone, nil
	case domain.OwnerGroup:
		m, err := r.store.GetMembership(ctx, board.Owner.ID, userID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.RoleNone, nil
			}
			return domain.RoleNone, err
		}
		return domain.BoardRoleForGroupRole(m.Role), nil
	default:
		return domain.RoleNone, nil
	}
}
