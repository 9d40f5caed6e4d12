package commit

import (
	"context"
	"sort"

	"keel/internal/errors"
)

// Reader loads commits by id.
type Reader interface {
	ReadCommit(ctx context.Context, id string) (*Commit, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, id string) (*Commit, error)

func (f ReaderFunc) ReadCommit(ctx context.Context, id string) (*Commit, error) {
	return f(ctx, id)
}

// History walks the graph breadth-first from starts, visiting each commit
// once. Within a frontier commits are returned newest first. A depth of zero
// or less returns everything reachable.
func History(ctx context.Context, r Reader, starts []string, depth int) ([]*Commit, error) {
	var out []*Commit
	visited := make(map[string]struct{})
	frontier := append([]string(nil), starts...)

	for len(frontier) > 0 {
		var level []*Commit
		for _, id := range frontier {
			if _, ok := visited[id]; ok {
				continue
			}
			visited[id] = struct{}{}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			c, err := r.ReadCommit(ctx, id)
			if err != nil {
				return nil, errors.Wrap(err, "reading commit %s", ShortID(id))
			}
			level = append(level, c)
		}
		sortNewestFirst(level)

		frontier = frontier[:0:0]
		for _, c := range level {
			if depth > 0 && len(out) == depth {
				return out, nil
			}
			out = append(out, c)
			frontier = append(frontier, c.Parents...)
		}
	}
	return out, nil
}

// MergeBase returns the nearest commit reachable from both a and b.
func MergeBase(ctx context.Context, r Reader, a, b string) (*Commit, error) {
	ancestors, err := History(ctx, r, []string{a}, 0)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ancestors))
	for _, c := range ancestors {
		seen[c.ID] = struct{}{}
	}

	others, err := History(ctx, r, []string{b}, 0)
	if err != nil {
		return nil, err
	}
	for _, c := range others {
		if _, ok := seen[c.ID]; ok {
			return c, nil
		}
	}
	return nil, errors.NotFound("no common ancestor between %s and %s", ShortID(a), ShortID(b))
}

func sortNewestFirst(cs []*Commit) {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[i].Timestamp.After(cs[j].Timestamp)
	})
}
