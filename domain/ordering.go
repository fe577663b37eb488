package domain

import "sort"

// Ordering computes task positions for inserts and moves. Positions are
// sparse integers: midpoints between neighbours, seeded with wide gaps so
// most moves touch a single row. The zero value is not usable; construct
// with DefaultOrdering or explicit spacing.
//
// All methods are pure and deterministic given their inputs.
type Ordering struct {
	// Seed is the position assigned to the first task of an empty column.
	Seed int64
	// Step is the spacing used when appending at the tail and when
	// resequencing a column.
	Step int64
}

// DefaultOrdering leaves room for ten levels of midpoint insertion between
// freshly resequenced neighbours.
var DefaultOrdering = Ordering{Seed: 1024, Step: 1024}

// AssignPosition returns the position for a task entering the slot between
// the anchor positions. A nil before means the head of the column, a nil
// after means the tail. Returns ErrPositionExhausted when the gap can no
// longer be subdivided; the caller resequences the column and retries.
func (o Ordering) AssignPosition(before, after *int64) (int64, error) {
	switch {
	case before == nil && after == nil:
		return o.Seed, nil
	case before == nil:
		// Head: midpoint between zero and the current minimum.
		if *after < 2 {
			return 0, ErrPositionExhausted
		}
		return *after / 2, nil
	case after == nil:
		return *before + o.Step, nil
	default:
		gap := *after - *before
		if gap < 2 {
			return 0, ErrPositionExhausted
		}
		return *before + gap/2, nil
	}
}

// Resequence reassigns fresh, evenly spaced positions to every task of a
// column, preserving the current relative order. The full mapping is
// returned so the caller can persist and broadcast it as one event.
func (o Ordering) Resequence(tasks []Task) []TaskPosition {
	ordered := SortTasks(tasks)
	mapping := make([]TaskPosition, len(ordered))
	for i, t := range ordered {
		mapping[i] = TaskPosition{TaskID: t.ID, Position: o.Step * int64(i+1)}
	}
	return mapping
}

// SortTasks returns the tasks in column order: ascending position with the
// task ID as deterministic tie-break, so the order is total even if equal
// positions slip in upstream.
func SortTasks(tasks []Task) []Task {
	ordered := make([]Task, len(tasks))
	copy(ordered, tasks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })
	return ordered
}

// AnchorPositions resolves anchor task IDs against a column to the bracket
// of positions around the requested slot. An empty beforeID targets the
// head, an empty afterID the tail; both empty appends at the tail when the
// column is not empty.
func AnchorPositions(tasks []Task, beforeID, afterID string) (before, after *int64) {
	ordered := SortTasks(tasks)
	if len(ordered) == 0 {
		return nil, nil
	}
	if beforeID == "" && afterID == "" {
		last := ordered[len(ordered)-1].Position
		return &last, nil
	}
	for i := range ordered {
		if ordered[i].ID == beforeID {
			before = &ordered[i].Position
			if i+1 < len(ordered) && afterID == "" {
				after = &ordered[i+1].Position
			}
		}
		if ordered[i].ID == afterID {
			after = &ordered[i].Position
			if i > 0 && beforeID == "" {
				before = &ordered[i-1].Position
			}
		}
	}
	return before, after
}
