package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Node is an ordered mapping from string keys to configuration values.
// Values are scalars (string, int, float64, bool, nil), sequences ([]any)
// or nested *Node. Key order is the order of first declaration.
//
// A Node is immutable once returned by the loader: Merge and Resolve
// always build fresh nodes and never modify their inputs.
type Node struct {
	keys   []string
	values map[string]any

	// appendKeys marks sequence values that carried the !append tag in
	// their source document.
	appendKeys map[string]bool
}

// NewNode returns an empty node.
func NewNode() *Node {
	return &Node{values: make(map[string]any)}
}

// NodeOf builds a node from alternating key/value pairs. It is meant
// for tests and programmatic defaults.
func NodeOf(kv ...any) *Node {
	n := NewNode()
	for i := 0; i+1 < len(kv); i += 2 {
		n.set(fmt.Sprint(kv[i]), kv[i+1])
	}
	return n
}

// set assigns key on a node that has not been published yet.
func (n *Node) set(key string, value any) {
	if _, ok := n.values[key]; !ok {
		n.keys = append(n.keys, key)
	}
	n.values[key] = value
}

// remove drops key from a node that has not been published yet.
func (n *Node) remove(key string) {
	if _, ok := n.values[key]; !ok {
		return
	}
	delete(n.values, key)
	delete(n.appendKeys, key)
	for i, k := range n.keys {
		if k == key {
			n.keys = append(n.keys[:i:i], n.keys[i+1:]...)
			break
		}
	}
}

func (n *Node) markAppend(key string) {
	if n.appendKeys == nil {
		n.appendKeys = make(map[string]bool)
	}
	n.appendKeys[key] = true
}

// Len returns the number of keys.
func (n *Node) Len() int {
	if n == nil {
		return 0
	}
	return len(n.keys)
}

// Keys returns the keys in declaration order.
func (n *Node) Keys() []string {
	if n == nil {
		return nil
	}
	out := make([]string, len(n.keys))
	copy(out, n.keys)
	return out
}

// Get returns the value stored under key.
func (n *Node) Get(key string) (any, bool) {
	if n == nil {
		return nil, false
	}
	v, ok := n.values[key]
	return v, ok
}

// Child returns the nested node stored under key, or nil.
func (n *Node) Child(key string) *Node {
	v, _ := n.Get(key)
	child, _ := v.(*Node)
	return child
}

// Lookup resolves a dotted path such as "url.status.handler". Numeric
// segments index into sequences.
func (n *Node) Lookup(path string) (any, bool) {
	if path == "" {
		return n, n != nil
	}

	var cur any = n
	for _, seg := range strings.Split(path, ".") {
		switch c := cur.(type) {
		case *Node:
			v, ok := c.Get(seg)
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// ToMap converts the node into plain maps and slices, the shape
// mapstructure decodes from.
func (n *Node) ToMap() map[string]any {
	if n == nil {
		return nil
	}
	out := make(map[string]any, len(n.keys))
	for _, k := range n.keys {
		out[k] = plain(n.values[k])
	}
	return out
}

func plain(v any) any {
	switch t := v.(type) {
	case *Node:
		return t.ToMap()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plain(item)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether two configuration values are deeply equal.
// Key order does not take part in node equality.
func Equal(a, b any) bool {
	switch at := a.(type) {
	case *Node:
		bt, ok := b.(*Node)
		if !ok || at.Len() != bt.Len() {
			return false
		}
		for _, k := range at.keys {
			bv, ok := bt.values[k]
			if !ok || !Equal(at.values[k], bv) {
				return false
			}
		}
		return true
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// clone returns a shallow copy of n that can be modified before it is
// published. Nested nodes are shared, since they are immutable.
func (n *Node) clone() *Node {
	out := &Node{
		keys:   make([]string, len(n.keys)),
		values: make(map[string]any, len(n.values)),
	}
	copy(out.keys, n.keys)
	for k, v := range n.values {
		out.values[k] = v
	}
	if len(n.appendKeys) > 0 {
		out.appendKeys = make(map[string]bool, len(n.appendKeys))
		for k := range n.appendKeys {
			out.appendKeys[k] = true
		}
	}
	return out
}
