package domain

import "time"

// OwnerKind discriminates board ownership. A board is owned by exactly one
// user or exactly one group, never both.
type OwnerKind string

const (
	OwnerUser  OwnerKind = "user"
	OwnerGroup OwnerKind = "group"
)

// BoardOwner is a tagged ownership reference.
type BoardOwner struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// Board is a collection of ordered columns.
type Board struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Owner       BoardOwner `json:"owner"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Column belongs to a board and orders its tasks by position.
type Column struct {
	ID       string `json:"id"`
	BoardID  string `json:"boardId"`
	Name     string `json:"name"`
	Position int64  `json:"position"`
}
