package bridge

import "sync"

// NodeSet is the set of nodes that already received a discovery
// announcement. It starts empty and never shrinks.
type NodeSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
}

func NewNodeSet() *NodeSet {
	return &NodeSet{ids: make(map[string]struct{})}
}

// Add inserts id and reports whether it was new. Only the caller that sees
// true may announce the node.
func (s *NodeSet) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s *NodeSet) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *NodeSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// List returns the ids in discovery order.
func (s *NodeSet) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}
