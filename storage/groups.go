package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/stormpaths/simple-kanban-sub001/domain"
)

type groupEntity struct {
	aztables.Entity
	Name        string `json:"Name"`
	Description string `json:"Description"`
	CreatedBy   string `json:"CreatedBy"`
	CreatedAt   int64  `json:"CreatedAt"`
}

type membershipEntity struct {
	aztables.Entity
	Role string `json:"Role"`
}

type userEntity struct {
	aztables.Entity
	Name      string `json:"Name"`
	Email     string `json:"Email"`
	Active    bool   `json:"Active"`
	CreatedAt int64  `json:"CreatedAt"`
}

// GetGroup retrieves a group.
func (s *Storage) GetGroup(ctx context.Context, groupID string) (*domain.Group, error) {
	resp, err := s.groups.GetEntity(ctx, groupID, groupID, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var ent groupEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return &domain.Group{
		ID:          ent.RowKey,
		Name:        ent.Name,
		Description: ent.Description,
		CreatedBy:   ent.CreatedBy,
		CreatedAt:   time.Unix(0, ent.CreatedAt).UTC(),
	}, nil
}

// InsertGroup creates a group along with its founding owner membership.
func (s *Storage) InsertGroup(ctx context.Context, g domain.Group) error {
	ent := groupEntity{
		Entity:      aztables.Entity{PartitionKey: g.ID, RowKey: g.ID},
		Name:        g.Name,
		Description: g.Description,
		CreatedBy:   g.CreatedBy,
		CreatedAt:   g.CreatedAt.UnixNano(),
	}
	payload, err := json.Marshal(ent)
	if err == nil {
		_, err = s.groups.AddEntity(ctx, payload, nil)
	}
	if err != nil {
		return mapWriteErr(err)
	}
	return s.PutMembership(ctx, domain.Membership{UserID: g.CreatedBy, GroupID: g.ID, Role: domain.GroupOwner})
}

// DeleteGroup removes a group and its memberships. The caller is
// responsible for reassigning the group's boards first.
func (s *Storage) DeleteGroup(ctx context.Context, groupID string) error {
	members, err := s.ListMemberships(ctx, groupID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if _, err := s.memberships.DeleteEntity(ctx, groupID, m.UserID, nil); err != nil && !isStatus(err, 404) {
			return err
		}
	}
	_, err = s.groups.DeleteEntity(ctx, groupID, groupID, nil)
	return mapWriteErr(err)
}

// GetMembership retrieves one user's membership in a group.
func (s *Storage) GetMembership(ctx context.Context, groupID, userID string) (*domain.Membership, error) {
	resp, err := s.memberships.GetEntity(ctx, groupID, userID, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var ent membershipEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return &domain.Membership{UserID: userID, GroupID: groupID, Role: domain.GroupRole(ent.Role)}, nil
}

// ListMemberships returns every membership of a group.
func (s *Storage) ListMemberships(ctx context.Context, groupID string) ([]domain.Membership, error) {
	filter := partitionFilter(groupID)
	pager := s.memberships.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	members := []domain.Membership{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent membershipEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			members = append(members, domain.Membership{
				UserID:  ent.RowKey,
				GroupID: groupID,
				Role:    domain.GroupRole(ent.Role),
			})
		}
	}
	return members, nil
}

// PutMembership creates or replaces a membership. Demoting the last owner
// is rejected with ErrLastOwner.
func (s *Storage) PutMembership(ctx context.Context, m domain.Membership) error {
	if m.Role != domain.GroupOwner {
		if err := s.ensureNotLastOwner(ctx, m.GroupID, m.UserID); err != nil {
			return err
		}
	}
	ent := membershipEntity{
		Entity: aztables.Entity{PartitionKey: m.GroupID, RowKey: m.UserID},
		Role:   string(m.Role),
	}
	payload, err := json.Marshal(ent)
	if err == nil {
		_, err = s.memberships.UpsertEntity(ctx, payload, nil)
	}
	return mapWriteErr(err)
}

// DeleteMembership removes a user from a group. Removing the last owner is
// rejected with ErrLastOwner.
func (s *Storage) DeleteMembership(ctx context.Context, groupID, userID string) error {
	if err := s.ensureNotLastOwner(ctx, groupID, userID); err != nil {
		return err
	}
	_, err := s.memberships.DeleteEntity(ctx, groupID, userID, nil)
	return mapWriteErr(err)
}

func (s *Storage) ensureNotLastOwner(ctx context.Context, groupID, userID string) error {
	m, err := s.GetMembership(ctx, groupID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if m.Role != domain.GroupOwner {
		return nil
	}
	members, err := s.ListMemberships(ctx, groupID)
	if err != nil {
		return err
	}
	for _, other := range members {
		if other.UserID != userID && other.Role == domain.GroupOwner {
			return nil
		}
	}
	return domain.ErrLastOwner
}

// GetUser retrieves a user profile.
func (s *Storage) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	resp, err := s.users.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var ent userEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return &domain.User{
		ID:        ent.RowKey,
		Name:      ent.Name,
		Email:     ent.Email,
		Active:    ent.Active,
		CreatedAt: time.Unix(0, ent.CreatedAt).UTC(),
	}, nil
}

// UpsertUser creates or refreshes a user profile row.
func (s *Storage) UpsertUser(ctx context.Context, u domain.User) error {
	ent := userEntity{
		Entity:    aztables.Entity{PartitionKey: u.ID, RowKey: u.ID},
		Name:      u.Name,
		Email:     u.Email,
		Active:    u.Active,
		CreatedAt: u.CreatedAt.UnixNano(),
	}
	payload, err := json.Marshal(ent)
	if err == nil {
		_, err = s.users.UpsertEntity(ctx, payload, nil)
	}
	return mapWriteErr(err)
}

// DeactivateUser flags a user inactive without deleting the row, since
// boards and memberships may still reference it.
func (s *Storage) DeactivateUser(ctx context.Context, userID string) error {
	upd := struct {
		aztables.Entity
		Active bool `json:"Active"`
	}{
		Entity: aztables.Entity{PartitionKey: userID, RowKey: userID},
		Active: false,
	}
	payload, err := json.Marshal(upd)
	if err == nil {
		et := azcore.ETagAny
		_, err = s.users.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	}
	return mapWriteErr(err)
}
