package audit

import (
	"context"
	"time"
)

// Store is the append-only audit log.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// Query returns the page of entries matching f, newest first, the
	// filtered count and the size of the whole log.
	Query(ctx context.Context, f Filter) (entries []*Entry, filtered, total int, err error)
	// Range returns entries with from <= timestamp < to, oldest first.
	Range(ctx context.Context, from, to time.Time) ([]*Entry, error)
	Stats(ctx context.Context) (*Stats, error)
}
