package domain

import "time"

// Task is a single board item. Position establishes total order within a
// column; ties are broken by ID at read time.
type Task struct {
	ID          string    `json:"id"`
	BoardID     string    `json:"boardId"`
	ColumnID    string    `json:"columnId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Position    int64     `json:"position"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Comment is a user remark attached to a task.
type Comment struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"boardId"`
	TaskID    string    `json:"taskId"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Before reports whether t precedes other in column order.
func (t Task) Before(other Task) bool {
	if t.Position != other.Position {
		return t.Position < other.Position
	}
	return t.ID < other.ID
}
