package storage

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/stormpaths/simple-kanban-sub001/domain"
)

type commentEntity struct {
	aztables.Entity
	TaskID    string `json:"TaskId"`
	AuthorID  string `json:"AuthorId"`
	Body      string `json:"Body"`
	CreatedAt int64  `json:"CreatedAt"`
	UpdatedAt int64  `json:"UpdatedAt"`
}

func (e commentEntity) toDomain() domain.Comment {
	return domain.Comment{
		ID:        e.RowKey,
		BoardID:   e.PartitionKey,
		TaskID:    e.TaskID,
		AuthorID:  e.AuthorID,
		Body:      e.Body,
		CreatedAt: time.Unix(0, e.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, e.UpdatedAt).UTC(),
	}
}

// GetComment retrieves one comment of a board.
func (s *Storage) GetComment(ctx context.Context, boardID, commentID string) (*domain.Comment, error) {
	resp, err := s.comments.GetEntity(ctx, boardID, commentID, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var ent commentEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	c := ent.toDomain()
	return &c, nil
}

// InsertComment creates a comment row.
func (s *Storage) InsertComment(ctx context.Context, c domain.Comment) error {
	ent := commentEntity{
		Entity:    aztables.Entity{PartitionKey: c.BoardID, RowKey: c.ID},
		TaskID:    c.TaskID,
		AuthorID:  c.AuthorID,
		Body:      c.Body,
		CreatedAt: c.CreatedAt.UnixNano(),
		UpdatedAt: c.UpdatedAt.UnixNano(),
	}
	payload, err := json.Marshal(ent)
	if err == nil {
		_, err = s.comments.AddEntity(ctx, payload, nil)
	}
	return mapWriteErr(err)
}

// UpdateComment merges a body change into a comment row.
func (s *Storage) UpdateComment(ctx context.Context, boardID, commentID, body string) (*domain.Comment, error) {
	upd := struct {
		aztables.Entity
		Body      string `json:"Body"`
		UpdatedAt int64  `json:"UpdatedAt"`
	}{
		Entity:    aztables.Entity{PartitionKey: boardID, RowKey: commentID},
		Body:      body,
		UpdatedAt: time.Now().UTC().UnixNano(),
	}
	payload, err := json.Marshal(upd)
	if err == nil {
		et := azcore.ETagAny
		_, err = s.comments.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	}
	if err != nil {
		return nil, mapWriteErr(err)
	}
	return s.GetComment(ctx, boardID, commentID)
}

// DeleteComment removes a comment row.
func (s *Storage) DeleteComment(ctx context.Context, boardID, commentID string) error {
	_, err := s.comments.DeleteEntity(ctx, boardID, commentID, nil)
	return mapWriteErr(err)
}

// ListTaskComments returns a task's comments oldest first.
func (s *Storage) ListTaskComments(ctx context.Context, boardID, taskID string) ([]domain.Comment, error) {
	filter := "PartitionKey eq '" + escapeKey(boardID) + "' and TaskId eq '" + escapeKey(taskID) + "'"
	pager := s.comments.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	comments := []domain.Comment{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent commentEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			comments = append(comments, ent.toDomain())
		}
	}
	sortComments(comments)
	return comments, nil
}

func sortComments(comments []domain.Comment) {
	sort.Slice(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
}
