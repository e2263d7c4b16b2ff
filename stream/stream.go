// Copyright (C) 2024 The Dirmi Authors.

// Package stream provides helpers for implementing streaming RPCs, where a
// single method call yields a stream of response payloads.
package stream

import (
	"context"
	"errors"
	"iter"

	"github.com/dirmigo/dirmi"
	"github.com/dirmigo/dirmi/introspect"
)

// capabilityLen is the wire width of the introspect.Identifier appended to a
// streaming request's payload as its callback capability.
const capabilityLen = 8

// getCapability removes a capability Identifier from the end of req.Data and
// returns it.
func getCapability(req *dirmi.Request) (introspect.Identifier, error) {
	if len(req.Data) < capabilityLen {
		return introspect.Identifier{}, errors.New("payload too short")
	}
	var id introspect.Identifier
	if err := id.UnmarshalBinary(req.Data[len(req.Data)-capabilityLen:]); err != nil {
		return introspect.Identifier{}, err
	}
	req.Data = req.Data[:len(req.Data)-capabilityLen:len(req.Data)-capabilityLen]
	return id, nil
}

// Call sends a call to the remote session for the specified method and data,
// and yields a stream of responses. The response stream ends at the peer's
// discretion, or when ctx is canceled.
//
// The returned iterator yields zero or more (bs, nil) values. If the call
// ends unsuccessfully, the iterator ends the stream with a final (nil, err)
// tuple.
func Call(ctx context.Context, sess *dirmi.Session, method introspect.Identifier, req []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		capability := introspect.NewCapability()
		capData, _ := capability.MarshalBinary()
		req = append(req, capData...)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// The session streams values back to us by calling the minted
		// capability, which runs this handler in a different goroutine. We're
		// in an iterator func and can't yield from a random other goroutine,
		// so smuggle payloads from the capability handler back to us over a
		// channel for yielding.
		vals := make(chan []byte)
		sess.Handle(capability, func(callbackCtx context.Context, req *dirmi.Request) ([]byte, error) {
			select {
			case vals <- req.Data:
				return nil, nil
			case <-ctx.Done():
				// Client-side cancellation: we're already unwinding this web
				// of calls and just need the remote side to get on with that.
				return nil, ctx.Err()
			case <-callbackCtx.Done():
				// Remote-side cancellation, or an indirect client
				// cancellation: we'll be told why when Call below returns.
				return nil, callbackCtx.Err()
			}
		})

		errch := make(chan error, 1)
		go func() {
			// Unregister the capability handler in this goroutine, not the
			// calling context, so the remote side can't hit "unknown method"
			// while the iterator is shutting down.
			defer sess.Handle(capability, nil)
			defer close(errch)
			_, err := sess.Call(ctx, method, req)
			if ctx.Err() != nil {
				// Prioritize local cancellation over whatever sess.Call
				// returns, so callers reliably observe it as a local error
				// regardless of which side noticed first.
				errch <- ctx.Err()
			} else {
				errch <- err
			}
		}()

		for {
			select {
			case v := <-vals:
				if !yield(v, nil) {
					// Returning cancels the context both the call and the
					// callback run in, so they unwind and clean themselves
					// up without us waiting for that to happen.
					return
				}
			case err := <-errch:
				if err != nil {
					yield(nil, err)
				}
				return
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// HandlerFunc is a variant of dirmi.Handler that yields a stream of
// responses, rather than a single value. The returned iterator is expected
// to only yield a non-nil error as its final element, following zero or more
// error-free tuples.
type HandlerFunc func(context.Context, *dirmi.Request) iter.Seq2[[]byte, error]

// Handle registers fn as the handler for method on sess, adapting it into a
// dirmi.Handler. The resulting handler must be invoked with [Call].
func Handle(sess *dirmi.Session, method introspect.Identifier, fn HandlerFunc) {
	sess.Handle(method, func(ctx context.Context, req *dirmi.Request) ([]byte, error) {
		capability, err := getCapability(req)
		if err != nil {
			return nil, err
		}

		peer := dirmi.ContextSession(ctx)

		for resp, err := range fn(ctx, req) {
			if err != nil {
				return nil, err
			}
			// We hand the context to the iterator and hope it yields to
			// cancellation itself, but we can't force it to; fall back to
			// explicitly checking here too.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, err = peer.Call(ctx, capability, resp); err != nil {
				return nil, err
			}
		}

		// The loop may have exited due to cancellation if the iterator
		// reacted by simply returning rather than yielding a final error.
		// Rescue such cases by returning any context error ourselves, if the
		// iterator didn't volunteer one.
		return nil, ctx.Err()
	})
}
