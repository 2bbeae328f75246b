package bus

import "sync"

// channelSet is the set of subscribed channel ids. Insertion order is kept
// so requests are stable and readable in logs; membership is unique.
type channelSet struct {
	mu    sync.Mutex
	order []string
	index map[string]struct{}
}

func newChannelSet() *channelSet {
	return &channelSet{index: map[string]struct{}{}}
}

// add reports whether id was inserted.
func (s *channelSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

// remove reports whether id was present.
func (s *channelSet) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; !ok {
		return false
	}
	delete(s.index, id)
	out := s.order[:0]
	for _, c := range s.order {
		if c != id {
			out = append(out, c)
		}
	}
	// Clear the tail so removed strings are not retained.
	for i := len(out); i < len(s.order); i++ {
		s.order[i] = ""
	}
	s.order = out
	return true
}

// snapshot returns a copy; the poll loop owns it for the lifetime of one request.
func (s *channelSet) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(make([]string, 0, len(s.order)), s.order...)
}

func (s *channelSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
