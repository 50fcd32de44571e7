// Package pager walks id-ordered result sets a page at a time.
//
// Items come back in descending id order, so the next page is always
// "id < cursor". Pages are not a consistent snapshot: rows written ahead of
// the cursor after a scan starts are not visited.
package pager

import "context"

// DefaultPageSize applies when a caller passes a non-positive size.
const DefaultPageSize = 100

// FetchFunc returns at most limit items with id strictly less than cursor,
// newest first. An empty cursor means start from the newest item.
type FetchFunc[T any] func(ctx context.Context, cursor string, limit int) ([]T, error)

type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Fetch returns one page. It asks for one extra row so that the last page
// is detected without an additional empty round trip.
func Fetch[T any](ctx context.Context, pageSize int, cursor string, fetch FetchFunc[T], idOf func(T) string) (Page[T], error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	items, err := fetch(ctx, cursor, pageSize+1)
	if err != nil {
		return Page[T]{}, err
	}
	if len(items) <= pageSize {
		return Page[T]{Items: items}, nil
	}
	items = items[:pageSize]
	return Page[T]{Items: items, NextCursor: idOf(items[len(items)-1])}, nil
}

// Each visits every item, page by page, until the stream ends, visit
// returns an error or ctx is done.
func Each[T any](ctx context.Context, pageSize int, fetch FetchFunc[T], idOf func(T) string, visit func(T) error) error {
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := Fetch(ctx, pageSize, cursor, fetch, idOf)
		if err != nil {
			return err
		}
		for _, item := range page.Items {
			if err := visit(item); err != nil {
				return err
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}
