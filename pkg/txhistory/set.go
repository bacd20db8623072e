package txhistory

// orderedSet keeps one page of records in source order, keyed by txid
type orderedSet[T any] struct {
	keys  []string
	items map[string]T
}

func newOrderedSet[T any]() *orderedSet[T] {
	return &orderedSet[T]{items: make(map[string]T)}
}

// add appends v under key; the first record for a key wins
func (s *orderedSet[T]) add(key string, v T) {
	if _, ok := s.items[key]; ok {
		return
	}
	s.keys = append(s.keys, key)
	s.items[key] = v
}

func (s *orderedSet[T]) get(key string) (T, bool) {
	v, ok := s.items[key]
	return v, ok
}

func (s *orderedSet[T]) remove(key string) {
	delete(s.items, key)
}

func (s *orderedSet[T]) len() int {
	return len(s.items)
}

// first returns the earliest record that has not been removed
func (s *orderedSet[T]) first() (T, bool) {
	for len(s.keys) > 0 {
		if v, ok := s.items[s.keys[0]]; ok {
			return v, true
		}
		s.keys = s.keys[1:]
	}
	var zero T
	return zero, false
}

// skipReturned drops the records earlier pages already returned: everything up
// to and including marker when it is on the page, confirmed records above the
// cursor height, and records the cursor lists as consumed at its height.
// Records of one block may span pages and are ordered differently per source.
func (s *orderedSet[T]) skipReturned(marker string, cursor *Cursor, heightOf func(T) int64) {
	if _, ok := s.items[marker]; ok && marker != "" {
		for _, key := range s.keys {
			if _, live := s.items[key]; !live {
				continue
			}
			s.remove(key)
			if key == marker {
				break
			}
		}
	}

	if cursor.BlockHeight == nil {
		return
	}
	height := *cursor.BlockHeight
	for _, key := range s.keys {
		v, live := s.items[key]
		if !live {
			continue
		}
		h := heightOf(v)
		if h > height || (h == height && cursor.consumed(key)) {
			s.remove(key)
		}
	}
}
