// Package repository implements C3: typed accessors over the store for
// every entity in internal/domain.
package repository

// Pagination bounds a List-style iteration.
type Pagination struct {
	Limit  int
	Offset int
}

// Normalize clamps Limit/Offset to sane bounds.
func (p Pagination) Normalize(maxLimit int) Pagination {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ListResult wraps a page of items with pagination metadata.
type ListResult[T any] struct {
	Items   []T
	Total   int64
	Limit   int
	Offset  int
	HasMore bool
}

// NewListResult builds a ListResult, deriving HasMore from the total count.
func NewListResult[T any](items []T, total int64, limit, offset int) ListResult[T] {
	return ListResult[T]{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: int64(offset+len(items)) < total,
	}
}
