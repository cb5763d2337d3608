// Package vfs provides the vnode contract the process core relies on for
// working directories and open files, plus an in-memory reference-counted
// Node that implements it.
//
// A vnode is reclaimed when its last reference is dropped. Kernel objects
// that keep a vnode, such as a process's current directory or an open file,
// each hold one reference and drop it when they let go:
//
//	cwd := vfs.NewNode("/home")   // refs = 1
//	cwd.Incref()                  // a forked child shares it, refs = 2
//	cwd.Decref()                  // the child exits, refs = 1
package vfs
