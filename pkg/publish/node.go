// Package publish models publish events: a collection change number plus
// the ordered key/value tree describing the collection's depots.
package publish

import (
	"strconv"
	"strings"
)

// Node is one entry of an ordered key/value tree. A node carries either a
// scalar Value or Children, never both in practice.
type Node struct {
	Name     string
	Value    string
	Children []*Node
}

// Child returns the first child whose name matches (case-insensitively),
// or nil. It is safe to call on a nil node.
func (n *Node) Child(name string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if strings.EqualFold(c.Name, name) {
			return c
		}
	}
	return nil
}

// Lookup walks a path of child names.
func (n *Node) Lookup(path ...string) *Node {
	cur := n
	for _, p := range path {
		cur = cur.Child(p)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Uint64 parses the node value as an unsigned 64-bit integer.
func (n *Node) Uint64() (uint64, bool) {
	if n == nil || n.Value == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(n.Value), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Uint32 parses the node value as an unsigned 32-bit integer.
func (n *Node) Uint32() (uint32, bool) {
	if n == nil || n.Value == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(n.Value), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// StringValue returns the value, or "" for a nil node.
func (n *Node) StringValue() string {
	if n == nil {
		return ""
	}
	return n.Value
}
