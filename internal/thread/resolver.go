// Package thread derives thread identity, depth and ordering for messages
// from their reference headers.
//
// The resolver keeps an arena of nodes addressed by Message-ID with
// parent/child links maintained incrementally. Out-of-order arrival (a reply
// seen before its parent) is handled by creating placeholder nodes for
// referenced ancestors and re-parenting the affected subtree when the real
// message shows up; re-threading is a bounded local patch, never a full
// recompute.
package thread

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/model"
)

// node is one message (real or placeholder) in the thread arena.
type node struct {
	id       string
	parent   *node
	children []*node

	threadID string
	depth    int
	orderKey int64

	// resolved marks nodes backed by an actual message; placeholders exist
	// only because something referenced them.
	resolved bool
}

// Resolver computes thread placement at ingestion time. Safe for concurrent
// use; backfill and watch both feed it.
type Resolver struct {
	mu    sync.Mutex
	nodes map[string]*node

	// nextKey holds the next order key per thread id; order keys are
	// monotonic within a thread so ordering reflects arrival, not
	// recomputation per render.
	nextKey map[string]int64
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		nodes:   make(map[string]*node),
		nextKey: make(map[string]int64),
	}
}

// Resolve places one message in its thread and returns its assignment plus
// any re-assignments for previously resolved descendants (the out-of-order
// case). Resolving an already resolved message returns its existing
// placement unchanged.
//
// references is the ancestor chain, oldest first; inReplyTo names the
// immediate parent. Either or both may be empty.
func (r *Resolver) Resolve(messageID, inReplyTo string, references []string) (model.ThreadAssignment, []model.ThreadAssignment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	messageID = normalizeID(messageID)
	if messageID == "" {
		// No Message-ID at all: the message is its own single-node thread
		// under a synthesized identifier.
		messageID = "synth-" + uuid.New().String()
	}

	chain := buildChain(messageID, inReplyTo, references)

	n := r.nodes[messageID]
	if n != nil && n.resolved {
		return assignmentOf(n), nil
	}
	if n == nil {
		n = &node{id: messageID}
		r.nodes[messageID] = n
	}
	n.resolved = true

	var reassigned []model.ThreadAssignment

	if len(chain) == 0 {
		if n.parent == nil {
			// Thread root. A placeholder promoted here keeps the thread id
			// it already handed to its children.
			if n.threadID == "" {
				n.threadID = messageID
			}
			n.depth = 0
		}
		// A node that already has a parent was referenced by someone else's
		// chain; keep that placement.
	} else {
		r.linkChain(chain)
		parent := r.nodes[chain[len(chain)-1]]

		if n.parent == nil && !r.isAncestorOf(n, parent) {
			if len(n.children) > 0 {
				// This message arrived after its own replies and was acting
				// as a provisional root: splice it (and its subtree) under
				// the real ancestor chain.
				reassigned = r.reparent(n, parent)
			} else {
				n.parent = parent
				parent.children = append(parent.children, n)
				n.threadID = parent.threadID
				n.depth = parent.depth + 1
			}
		}
		// An existing parent link, or a cycle in the headers, leaves the
		// current placement alone.
	}

	if n.orderKey == 0 {
		n.orderKey = r.takeKey(n.threadID)
	}

	return assignmentOf(n), reassigned
}

// linkChain materializes the reference chain, creating placeholders for
// unknown ancestors and linking consecutive entries parent-to-child. The
// first entry of the chain anchors the thread: its thread id is the thread
// id of every node linked beneath it.
func (r *Resolver) linkChain(chain []string) {
	var prev *node
	for i, id := range chain {
		nd := r.nodes[id]
		if nd == nil {
			nd = &node{id: id}
			r.nodes[id] = nd
			if i == 0 {
				nd.threadID = id
			}
		}
		if i == 0 && nd.threadID == "" {
			nd.threadID = id
		}
		if prev != nil && nd.parent == nil && nd != prev && !r.isAncestorOf(nd, prev) {
			nd.parent = prev
			prev.children = append(prev.children, nd)
			nd.threadID = prev.threadID
			nd.depth = prev.depth + 1
		}
		prev = nd
	}
}

// reparent moves n under parent and recomputes thread id, depth and order
// keys for n's subtree only. Returns the new assignments for every resolved
// descendant (n itself is reported by the caller).
func (r *Resolver) reparent(n *node, parent *node) []model.ThreadAssignment {
	n.parent = parent
	parent.children = append(parent.children, n)

	var updates []model.ThreadAssignment
	var walk func(nd *node, depth int)
	walk = func(nd *node, depth int) {
		nd.threadID = parent.threadID
		nd.depth = depth
		if nd.resolved {
			nd.orderKey = r.takeKey(nd.threadID)
			if nd != n {
				updates = append(updates, assignmentOf(nd))
			}
		}
		for _, c := range nd.children {
			walk(c, depth+1)
		}
	}
	walk(n, parent.depth+1)

	return updates
}

// isAncestorOf reports whether n appears on candidate's parent chain;
// linking such a pair would create a cycle.
func (r *Resolver) isAncestorOf(n *node, candidate *node) bool {
	for p := candidate; p != nil; p = p.parent {
		if p == n {
			return true
		}
	}
	return false
}

func (r *Resolver) takeKey(threadID string) int64 {
	r.nextKey[threadID]++
	return r.nextKey[threadID]
}

func assignmentOf(n *node) model.ThreadAssignment {
	return model.ThreadAssignment{
		MessageID: n.id,
		ThreadID:  n.threadID,
		Depth:     n.depth,
		OrderKey:  n.orderKey,
	}
}

// buildChain normalizes the reference headers into a parent chain, oldest
// first, with the in-reply-to target as the final (immediate parent) entry.
// Self-references are dropped.
func buildChain(messageID, inReplyTo string, references []string) []string {
	var chain []string
	seen := make(map[string]bool)
	for _, ref := range references {
		ref = normalizeID(ref)
		if ref == "" || ref == messageID || seen[ref] {
			continue
		}
		seen[ref] = true
		chain = append(chain, ref)
	}

	if p := normalizeID(inReplyTo); p != "" && p != messageID && !seen[p] {
		chain = append(chain, p)
	}

	return chain
}

// normalizeID strips angle brackets and whitespace from a message
// identifier header value.
func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}
