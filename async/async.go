// Copyright (C) 2024 The Dirmi Authors.

// Package async provides the out-of-scope collaborator interfaces for
// asynchronous method completion, plus a synchronous in-process default
// implementation suitable for tests.
//
// A fully asynchronous MethodDescriptor (one whose Asynchronous method
// reports true) returns no value to the caller over the wire; delivering its
// eventual result back to an interested party is a callback-registration
// concern that spans sessions and is explicitly out of scope here (see
// spec.md §9's "the source's Completion.register(queue) is unimplemented").
// This package only fixes the shape of that collaborator; dirmi.Session does
// not reference it.
package async

import (
	"sync"

	"github.com/dirmigo/dirmi"
	"github.com/dirmigo/dirmi/introspect"
)

// A CompletionQueue accepts registrations of interest in the eventual
// response to an asynchronous call, keyed by the method's Identifier. done
// is invoked at most once per registration, with the Response once it
// becomes available.
type CompletionQueue interface {
	Register(id introspect.Identifier, done func(*dirmi.Response))
}

// NopQueue discards every registration. Its zero value is ready for use.
type NopQueue struct{}

// Register implements the CompletionQueue interface by doing nothing.
func (NopQueue) Register(introspect.Identifier, func(*dirmi.Response)) {}

// LocalQueue is an in-process CompletionQueue: Deliver calls the oldest
// registered callback for an Identifier directly, on the caller's goroutine.
// It does not cross a Channel, so it is only useful for tests that exercise
// an asynchronous MethodDescriptor's completion path within a single
// process.
type LocalQueue struct {
	μ       sync.Mutex
	pending map[introspect.Identifier][]func(*dirmi.Response)
}

// NewLocalQueue returns an empty LocalQueue.
func NewLocalQueue() *LocalQueue {
	return &LocalQueue{pending: make(map[introspect.Identifier][]func(*dirmi.Response))}
}

// Register implements the CompletionQueue interface.
func (q *LocalQueue) Register(id introspect.Identifier, done func(*dirmi.Response)) {
	q.μ.Lock()
	defer q.μ.Unlock()
	q.pending[id] = append(q.pending[id], done)
}

// Deliver invokes the oldest callback registered for id with rsp, and
// removes it from the queue. It reports whether a callback was found; a
// false result means Deliver was a no-op.
func (q *LocalQueue) Deliver(id introspect.Identifier, rsp *dirmi.Response) bool {
	q.μ.Lock()
	queue := q.pending[id]
	if len(queue) == 0 {
		q.μ.Unlock()
		return false
	}
	done := queue[0]
	if len(queue) == 1 {
		delete(q.pending, id)
	} else {
		q.pending[id] = queue[1:]
	}
	q.μ.Unlock()

	done(rsp)
	return true
}

// Pending reports the number of callbacks currently registered for id.
func (q *LocalQueue) Pending(id introspect.Identifier) int {
	q.μ.Lock()
	defer q.μ.Unlock()
	return len(q.pending[id])
}
