package router

import "sort"

// node is one level of the segment trie. Rules whose pattern ends at a
// node are kept in its candidates slice, best first.
type node struct {
	literal    map[string]*node
	capture    *node
	star       *node
	remainder  *node
	candidates []*Rule
}

func newNode() *node {
	return &node{literal: make(map[string]*node)}
}

func (n *node) insert(r *Rule) {
	cur := n
	for _, seg := range r.Pattern.Segments {
		switch seg.Kind {
		case SegmentLiteral:
			next, ok := cur.literal[seg.Value]
			if !ok {
				next = newNode()
				cur.literal[seg.Value] = next
			}
			cur = next
		case SegmentCapture:
			if cur.capture == nil {
				cur.capture = newNode()
			}
			cur = cur.capture
		case SegmentStar:
			if cur.star == nil {
				cur.star = newNode()
			}
			cur = cur.star
		case SegmentRemainder:
			if cur.remainder == nil {
				cur.remainder = newNode()
			}
			cur = cur.remainder
		}
	}
	cur.candidates = append(cur.candidates, r)
	sort.SliceStable(cur.candidates, func(i, j int) bool {
		a, b := cur.candidates[i], cur.candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Order < b.Order
	})
}

// search holds the state of one lookup. allowed collects the methods of
// leaves that matched path and host but not the method.
type search struct {
	method  string
	host    string
	parts   []string
	allowed map[string]struct{}
}

// walk descends literal, capture, star and remainder children in that
// order and backtracks when a branch yields no rule.
func (s *search) walk(n *node, depth int) *Rule {
	if depth == len(s.parts) {
		if r := s.pick(n.candidates); r != nil {
			return r
		}
		if n.remainder != nil {
			return s.pick(n.remainder.candidates)
		}
		return nil
	}

	seg := s.parts[depth]
	if child, ok := n.literal[seg]; ok {
		if r := s.walk(child, depth+1); r != nil {
			return r
		}
	}
	if n.capture != nil {
		if r := s.walk(n.capture, depth+1); r != nil {
			return r
		}
	}
	if n.star != nil {
		if r := s.walk(n.star, depth+1); r != nil {
			return r
		}
	}
	if n.remainder != nil {
		return s.pick(n.remainder.candidates)
	}
	return nil
}

// pick returns the first candidate accepting both host and method.
func (s *search) pick(candidates []*Rule) *Rule {
	for _, r := range candidates {
		if !r.MatchesHost(s.host) {
			continue
		}
		if r.AllowsMethod(s.method) {
			return r
		}
		if s.allowed == nil {
			s.allowed = make(map[string]struct{})
		}
		for m := range r.methods {
			s.allowed[m] = struct{}{}
		}
	}
	return nil
}
