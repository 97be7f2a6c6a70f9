package gating

import "github.com/example/slideconfirm/services/gating/internal/store"

// ActivePolicy chooses the container served when a request names none.
// published holds only published containers, in any order.
type ActivePolicy func(published []store.Container) (store.Container, bool)

// FirstPublished picks the earliest-created container, lowest id on ties.
func FirstPublished(published []store.Container) (store.Container, bool) {
	if len(published) == 0 {
		return store.Container{}, false
	}
	best := published[0]
	for _, c := range published[1:] {
		if c.CreatedAt.Before(best.CreatedAt) || (c.CreatedAt.Equal(best.CreatedAt) && c.ID < best.ID) {
			best = c
		}
	}
	return best, true
}
