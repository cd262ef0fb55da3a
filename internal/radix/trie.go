// Package radix implements the path matcher backing route dispatch:
// static, ":param", and "*" wildcard segments, with static > param >
// wildcard match priority at every depth.
package radix

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ocppware/ocppws-go/internal/validation"
)

type nodeKind int

const (
	kindStatic nodeKind = iota
	kindParam
	kindWildcard
)

type node struct {
	kind     nodeKind
	segment  string // literal for static, param name for param (without ':')
	children map[string]*node
	param    *node // at most one param child
	wildcard *node // at most one wildcard child
	routers  []any // routers registered exactly at this node
	pattern  string
}

// Trie is a path matcher. Zero value is not usable (it has no root
// node); use New.
type Trie struct {
	mu     sync.RWMutex
	root   *node
	frozen bool
	// snapshot holds a deep copy of the tree taken by Freeze, served
	// lock-free by Match while frozen. Insert clears it, so a Match
	// racing an unfreeze reads a stale-but-consistent copy, never a
	// half-mutated tree.
	snapshot atomic.Pointer[node]
}

// New creates an empty Trie.
func New() *Trie {
	return &Trie{root: &node{children: map[string]*node{}}}
}

// Insert registers router against pattern. Multiple routers may share a
// pattern; all are returned together on Match. Conflicting param names at
// the same position is a registration error. Any insert implicitly
// unfreezes the trie.
func (t *Trie) Insert(pattern string, router any) error {
	segments, err := validation.NormalizePath(pattern)
	if err != nil {
		return fmt.Errorf("radix: invalid pattern %q: %w", pattern, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.root
	for i, seg := range segments {
		switch {
		case seg == "*":
			if cur.wildcard == nil {
				cur.wildcard = &node{kind: kindWildcard, segment: "*"}
			}
			cur = cur.wildcard
			if i != len(segments)-1 {
				return fmt.Errorf("radix: wildcard must be the last segment in %q", pattern)
			}
		case strings.HasPrefix(seg, ":"):
			name := seg[1:]
			if cur.param == nil {
				cur.param = &node{kind: kindParam, segment: name, children: map[string]*node{}}
			} else if cur.param.segment != name {
				return fmt.Errorf("radix: conflicting param name %q vs %q at same position in %q",
					cur.param.segment, name, pattern)
			}
			cur = cur.param
		default:
			lower := strings.ToLower(seg)
			child, ok := cur.children[lower]
			if !ok {
				child = &node{kind: kindStatic, segment: lower, children: map[string]*node{}}
				cur.children[lower] = child
			}
			cur = child
		}
	}

	for _, r := range cur.routers {
		if r == router {
			// idempotent re-insert of the same (pattern, router) pair.
			t.unfreeze()
			return nil
		}
	}
	cur.routers = append(cur.routers, router)
	cur.pattern = pattern
	t.unfreeze()
	return nil
}

// unfreeze drops the frozen state and its snapshot. Caller holds mu.
func (t *Trie) unfreeze() {
	t.frozen = false
	t.snapshot.Store(nil)
}

// Freeze marks the trie read-only and captures a deep copy of the
// tree, which Match then serves without taking the lock. Any
// subsequent Insert unfreezes it again.
func (t *Trie) Freeze() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frozen = true
	t.snapshot.Store(copyNode(t.root))
}

// copyNode deep-copies a subtree. Router slices are copied as slices;
// the router values themselves are shared, matching what Match hands
// out.
func copyNode(n *node) *node {
	if n == nil {
		return nil
	}
	cp := &node{
		kind:     n.kind,
		segment:  n.segment,
		param:    copyNode(n.param),
		wildcard: copyNode(n.wildcard),
		routers:  append([]any(nil), n.routers...),
		pattern:  n.pattern,
	}
	if n.children != nil {
		cp.children = make(map[string]*node, len(n.children))
		for k, child := range n.children {
			cp.children[k] = copyNode(child)
		}
	}
	return cp
}

// MatchResult is one matched registration.
type MatchResult struct {
	Pattern string
	Routers []any
	Params  map[string]string
}

// Match finds all routers registered against patterns matching path,
// resolving :param bindings. Priority at each depth is static > param >
// wildcard, deterministic in the registered pattern set.
func (t *Trie) Match(path string) (*MatchResult, bool) {
	segments, err := validation.NormalizePath(path)
	if err != nil {
		return nil, false
	}

	// Frozen fast path: the snapshot is immutable, no lock needed.
	if snap := t.snapshot.Load(); snap != nil {
		params := map[string]string{}
		n := matchNode(snap, segments, params)
		if n == nil || len(n.routers) == 0 {
			return nil, false
		}
		return &MatchResult{Pattern: n.pattern, Routers: append([]any(nil), n.routers...), Params: params}, true
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	params := map[string]string{}
	n := matchNode(t.root, segments, params)
	if n == nil || len(n.routers) == 0 {
		return nil, false
	}
	return &MatchResult{Pattern: n.pattern, Routers: append([]any(nil), n.routers...), Params: params}, true
}

func matchNode(n *node, segments []string, params map[string]string) *node {
	if len(segments) == 0 {
		if len(n.routers) > 0 {
			return n
		}
		return nil
	}
	seg := segments[0]
	rest := segments[1:]

	if child, ok := n.children[strings.ToLower(seg)]; ok {
		if m := matchNode(child, rest, params); m != nil {
			return m
		}
	}
	if n.param != nil {
		saved, had := params[n.param.segment]
		params[n.param.segment] = seg
		if m := matchNode(n.param, rest, params); m != nil {
			return m
		}
		if had {
			params[n.param.segment] = saved
		} else {
			delete(params, n.param.segment)
		}
	}
	if n.wildcard != nil && len(n.wildcard.routers) > 0 {
		return n.wildcard
	}
	return nil
}
