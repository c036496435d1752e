package config

import (
	"strings"

	"github.com/vyrodovalexey/avaserve/internal/util"
)

// AppendTag is the YAML tag that marks a sequence as appendable when it
// overrides an earlier sequence.
const AppendTag = "!append"

// Schema declares which sequences are concatenated rather than replaced
// when layers are merged. Paths are dotted; a "*" segment matches any
// single key.
type Schema struct {
	appendable [][]string
}

// NewSchema builds a schema from appendable path patterns.
func NewSchema(appendable ...string) Schema {
	s := Schema{}
	for _, p := range appendable {
		s.appendable = append(s.appendable, strings.Split(p, "."))
	}
	return s
}

// DefaultSchema returns the schema used for server configuration.
func DefaultSchema() Schema {
	return NewSchema(
		"url.*.methods",
		"url.*.cache.vary.query",
		"url.*.cache.vary.headers",
	)
}

// Appendable reports whether the sequence at path is appendable.
func (s Schema) Appendable(path []string) bool {
	for _, pattern := range s.appendable {
		if len(pattern) != len(path) {
			continue
		}
		match := true
		for i := range pattern {
			if pattern[i] != "*" && pattern[i] != path[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Merge deep-merges override on top of base and returns a new node.
// Neither input is modified.
//
// Mappings merge recursively. Sequences are concatenated when the schema
// marks their path appendable or the override carries the !append tag;
// items of the override already present are skipped. A mapping facing a
// non-mapping is a type conflict, except for an explicit null override,
// which resets the key. Any other value replaces the earlier one.
func Merge(base, override *Node, schema Schema) (*Node, error) {
	return mergeNodes(base, override, schema, nil)
}

func mergeNodes(base, override *Node, schema Schema, path []string) (*Node, error) {
	if base == nil {
		base = NewNode()
	}
	if override == nil {
		return base, nil
	}

	out := base.clone()
	for _, key := range override.keys {
		ov := override.values[key]
		childPath := append(path[:len(path):len(path)], key)

		tagged := override.appendKeys[key]
		if tagged {
			out.markAppend(key)
		} else {
			delete(out.appendKeys, key)
		}

		bv, exists := base.values[key]
		if !exists || ov == nil {
			out.set(key, ov)
			continue
		}

		merged, err := mergeValues(bv, ov, tagged, schema, childPath)
		if err != nil {
			return nil, err
		}
		out.set(key, merged)
	}
	return out, nil
}

func mergeValues(bv, ov any, tagged bool, schema Schema, path []string) (any, error) {
	bn, baseIsNode := bv.(*Node)
	on, overIsNode := ov.(*Node)

	switch {
	case baseIsNode && overIsNode:
		return mergeNodes(bn, on, schema, path)
	case baseIsNode != overIsNode:
		if bv == nil {
			return ov, nil
		}
		return nil, util.NewConfigError(util.ConfigTypeConflict, "", strings.Join(path, "."),
			"cannot merge a mapping with a non-mapping value")
	}

	bs, baseIsSeq := bv.([]any)
	oseq, overIsSeq := ov.([]any)
	if baseIsSeq && overIsSeq && (tagged || schema.Appendable(path)) {
		return appendUnique(bs, oseq), nil
	}

	return ov, nil
}

// appendUnique concatenates override onto base, skipping override items
// that are already present.
func appendUnique(base, override []any) []any {
	out := make([]any, len(base), len(base)+len(override))
	copy(out, base)
	for _, item := range override {
		if !containsValue(out, item) {
			out = append(out, item)
		}
	}
	return out
}

func containsValue(items []any, v any) bool {
	for _, item := range items {
		if Equal(item, v) {
			return true
		}
	}
	return false
}
