// Package tagindex maps tags to the cache keys cached under them.
package tagindex

import "sync"

type set map[string]struct{}

// Index is a concurrency-safe two-way mapping between tags and keys.
// Tags whose key set becomes empty are pruned.
type Index struct {
	mu    sync.Mutex
	byTag map[string]set
	byKey map[string]set
}

// New creates an empty index.
func New() *Index {
	return &Index{
		byTag: make(map[string]set),
		byKey: make(map[string]set),
	}
}

// Associate records key under each of tags. Repeated pairs are no-ops.
func (x *Index) Associate(key string, tags ...string) {
	if len(tags) == 0 {
		return
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for _, tag := range tags {
		add(x.byTag, tag, key)
		add(x.byKey, key, tag)
	}
}

// KeysForTag returns the keys cached under tag. Unknown tags yield an empty,
// non-nil slice.
func (x *Index) KeysForTag(tag string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return members(x.byTag[tag])
}

// TagsForKey returns the tags key is cached under.
func (x *Index) TagsForKey(key string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return members(x.byKey[key])
}

// RemoveKey drops key from every tag that references it.
func (x *Index) RemoveKey(key string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for tag := range x.byKey[key] {
		remove(x.byTag, tag, key)
	}
	delete(x.byKey, key)
}

// RemoveTag drops tag and returns the keys it referenced. Keys keep their
// other tags.
func (x *Index) RemoveTag(tag string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	keys := members(x.byTag[tag])
	for _, key := range keys {
		remove(x.byKey, key, tag)
	}
	delete(x.byTag, tag)
	return keys
}

// Len returns the number of tags with at least one key.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.byTag)
}

func add(m map[string]set, outer, inner string) {
	s, ok := m[outer]
	if !ok {
		s = make(set)
		m[outer] = s
	}
	s[inner] = struct{}{}
}

func remove(m map[string]set, outer, inner string) {
	s, ok := m[outer]
	if !ok {
		return
	}
	delete(s, inner)
	if len(s) == 0 {
		delete(m, outer)
	}
}

func members(s set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}
