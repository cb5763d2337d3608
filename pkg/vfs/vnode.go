package vfs

import (
	"sync"
	"sync/atomic"
)

// Vnode is the reference-counted handle to a file or directory that kernel
// objects hold. Every Incref must be balanced by one Decref.
type Vnode interface {
	// Incref adds a reference.
	Incref()
	// Decref drops a reference, reclaiming the node when it was the last.
	Decref()
}

// Node is an in-memory Vnode identified by a cleaned absolute path.
type Node struct {
	path      string
	refs      atomic.Int32
	reclaimed atomic.Bool
	once      sync.Once
	onReclaim func(*Node)
}

// NewNode creates a node holding one reference on behalf of its creator.
func NewNode(path string) *Node {
	n := &Node{path: Clean(path)}
	n.refs.Store(1)
	return n
}

// OnReclaim registers a callback run once when the last reference drops.
func (n *Node) OnReclaim(fn func(*Node)) {
	n.onReclaim = fn
}

// Path returns the node's path.
func (n *Node) Path() string {
	return n.path
}

// Incref implements Vnode.
func (n *Node) Incref() {
	if n.refs.Add(1) <= 1 {
		panic("vfs: incref on reclaimed vnode " + n.path)
	}
}

// Decref implements Vnode.
func (n *Node) Decref() {
	switch refs := n.refs.Add(-1); {
	case refs == 0:
		n.once.Do(func() {
			n.reclaimed.Store(true)
			if n.onReclaim != nil {
				n.onReclaim(n)
			}
		})
	case refs < 0:
		panic("vfs: decref below zero on " + n.path)
	}
}

// Refs returns the current reference count.
func (n *Node) Refs() int {
	return int(n.refs.Load())
}

// Reclaimed reports whether the last reference has been dropped.
func (n *Node) Reclaimed() bool {
	return n.reclaimed.Load()
}
