package interaction

const (
	defaultRetainedTurns    = 1024
	defaultRetainedSessions = 4096
)

// recentSet keeps the newest max entries and evicts the oldest on insert.
// It is not safe for concurrent use; Manager guards it with mu.
type recentSet[V any] struct {
	max   int
	items map[string]V
	order []string
}

func newRecentSet[V any](max int) *recentSet[V] {
	if max <= 0 {
		max = 1
	}
	return &recentSet[V]{max: max, items: make(map[string]V, max)}
}

func (r *recentSet[V]) put(key string, v V) {
	if _, ok := r.items[key]; !ok {
		r.order = append(r.order, key)
	}
	r.items[key] = v
	for len(r.order) > r.max {
		delete(r.items, r.order[0])
		r.order[0] = ""
		r.order = r.order[1:]
	}
}

func (r *recentSet[V]) get(key string) (V, bool) {
	v, ok := r.items[key]
	return v, ok
}

func (r *recentSet[V]) len() int { return len(r.items) }
