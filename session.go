// Copyright (C) 2024 The Dirmi Authors.

// Package dirmi implements a session layer that dispatches remote method
// calls keyed by introspect.Identifier, the stable handles the introspect
// package assigns to interfaces and methods it examines.
package dirmi

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"

	"github.com/dirmigo/dirmi/introspect"
)

// A Channel is a reliable ordered stream of packets shared by two sessions.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet in binary format to the receiver.
	Send(*Packet) error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Handler processes a request from the remote session. A handler can
// obtain the session from its context argument using the ContextSession
// helper.
//
// By default, the error reported by a handler is returned to the caller with
// error code 0 and the text of the error as its message. A handler may
// return a value of concrete type ErrorData or *ErrorData to control the
// error code, message, and auxiliary error data.
type Handler func(context.Context, *Request) ([]byte, error)

// A PacketHandler processes a packet from the remote session. A packet
// handler can obtain the session from its context argument using the
// ContextSession helper. Any error reported by a packet handler is protocol
// fatal.
type PacketHandler func(context.Context, *Packet) error

// A PacketLogger logs a packet exchanged with the remote session.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo combines a packet and a flag indicating whether the packet was
// sent or received.
type PacketInfo struct {
	*Packet      // the packet being logged
	Sent    bool // whether the packet was sent (true) or received (false)
}

func (p PacketInfo) dir() string {
	if p.Sent {
		return "send"
	}
	return "recv"
}

func (p PacketInfo) String() string {
	return fmt.Sprintf("%v %v", p.dir(), p.Packet)
}

// A Session dispatches calls over a Channel to handlers keyed by
// introspect.Identifier. A zero-valued Session is ready for use, but must not
// be copied after any method has been called.
//
// Call Start with a channel to start the service routine for the session.
// Once started, a session runs until Stop is called, the channel closes, or
// a protocol fatal error occurs. Use Wait to wait for the session to exit and
// report its status.
//
// Calling Stop terminates all method handlers and calls currently executing.
//
// Call Handle or BindInterface to add handlers to the local session. Use
// Call to invoke a call on the remote session. Both of these methods are
// safe for concurrent use by multiple goroutines.
type Session struct {
	in  interface{ Recv() (*Packet, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	err   error                                        // protocol fatal error
	ocall map[uint32]pending                            // outbound calls pending responses
	nexto uint32                                        // next unused outbound call ID
	icall map[uint32]func()                             // requestID → cancel func
	imux  map[introspect.Identifier]Handler             // methodID → handler
	bound map[introspect.Identifier]*introspect.InterfaceDescriptor // interfaceID → descriptor
	pmux  map[PacketType]PacketHandler                  // packetType → packet handler
	plog  PacketLogger                                  // what it says on the tin
	base  func() context.Context                        // return a new base context

	onExit func(error)
}

// NewSession constructs a new unstarted session.
func NewSession() *Session { return new(Session) }

// Start starts the session running on the given channel. The session runs
// until the channel closes or a protocol fatal error occurs. Start does not
// block; call Wait to wait for the session to exit and report its status.
func (s *Session) Start(ch Channel) *Session {
	if s.in != nil {
		panic("session is already started")
	}

	g := taskgroup.New(nil)
	s.in = ch
	s.tasks = g
	s.out.ch = ch
	s.err = nil
	s.ocall = make(map[uint32]pending)
	s.nexto = 0
	s.icall = make(map[uint32]func())
	s.base = context.Background

	g.Go(func() error {
		for {
			pkt, err := s.in.Recv()
			if err != nil {
				s.fail(err)
				return nil
			}
			sessionMetrics.packetRecv.Add(1)
			if err := s.dispatchPacket(pkt); err != nil {
				s.fail(err)
				return nil
			}
		}
	})

	return s
}

// Metrics returns a metrics map for the session. It is safe for the caller
// to add additional metrics to the map while the session is active.
func (s *Session) Metrics() *expvar.Map { return sessionMetrics.emap }

// Stop closes the channel and terminates the session. It blocks until the
// session has exited and returns its status. After Stop completes it is safe
// to restart the session with a new channel.
func (s *Session) Stop() error { s.closeOut(); return s.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the session was running.
func (s *Session) waitTasks() bool {
	s.μ.Lock()
	t := s.tasks
	s.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until s terminates and reports the error that caused it to
// stop. After Wait completes it is safe to restart the session with a new
// channel.
//
// If s is not running, or has stopped because of a closed channel, Wait
// returns nil; otherwise it returns the error that triggered protocol
// failure.
func (s *Session) Wait() error {
	if !s.waitTasks() {
		return nil // the session is not running
	}

	// Clean up session state so it can be garbage collected.
	s.μ.Lock()
	defer s.μ.Unlock()
	s.in = nil
	s.tasks = nil
	s.out.Lock()
	s.out.ch = nil
	s.out.Unlock()
	s.ocall = nil
	s.icall = nil

	if treatErrorAsSuccess(s.err) {
		return nil
	}
	return s.err
}

// SendPacket sends a packet to the remote session. Any error is protocol
// fatal. Any packet type can be sent, including reserved types. The caller
// is responsible for ensuring such packets have a valid payload.
func (s *Session) SendPacket(ptype PacketType, payload []byte) error {
	return s.sendOut(&Packet{
		Type:    ptype,
		Payload: payload,
	})
}

// Call sends a call to the remote session for the specified method and
// data, and blocks until ctx ends or until the response is received. If ctx
// ends before the session replies, the call will be automatically
// cancelled. An error reported by Call has concrete type *CallError.
func (s *Session) Call(ctx context.Context, method introspect.Identifier, data []byte) (_ *Response, err error) {
	sessionMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			sessionMetrics.callOutErr.Add(1)
		}
	}()

	id, pc, err := s.sendReq(method, data)
	if err != nil {
		return nil, callError(err)
	}
	sessionMetrics.callPending.Add(1)
	defer sessionMetrics.callPending.Add(-1)

	done := ctx.Done()
	for {
		select {
		case <-done:
			// The local context ended, push a cancellation to the session,
			// then resume waiting for the response. Set done to nil so that
			// we will not recur on this case.
			s.sendCancel(id)
			done = nil

			// Set a watchdog timer to ensure the call eventually gives up and
			// reports an error, even if we don't get a reply from the session.
			ct := time.AfterFunc(50*time.Millisecond, func() {
				s.μ.Lock()
				defer s.μ.Unlock()

				// The call may have completed while we were waiting.
				// If not, however, we do not release the request ID, otherwise
				// a subsequent call may attempt to reuse it and get a spurious
				// duplicate request error because the session hasn't yet
				// yielded it.
				if pc, ok := s.ocall[id]; ok {
					s.ocall[id] = nil // pin the ID
					pc.deliver(&Response{RequestID: id, Code: CodeCanceled})
				}
			})
			// If the call succeeds before the watchdog expires, cancel it.
			defer ct.Stop()
			continue

		case rsp, ok := <-pc:
			if ok {
				if rsp.Code == CodeSuccess {
					return rsp, nil
				} else if rsp.Code == CodeCanceled {
					return nil, &CallError{Err: context.Canceled, Response: rsp}
				}
				ce := &CallError{Response: rsp}

				// Try to decode the error data, but if that fails use the
				// string from the failure message so the caller has a way to
				// debug.
				if err := ce.ErrorData.UnmarshalBinary(rsp.Data); err != nil {
					ce.Message = err.Error()
				}
				return nil, ce
			}

			// Closed without a response means there was a protocol fatal
			// error.
			s.tasks.Wait()
			return nil, callError(fmt.Errorf("call terminated: %w", s.err))
		}
	}
}

// resultCoder is an extension interface an error may implement to override
// the result code reported for the error.
type resultCoder interface{ ResultCode() ResultCode }

// errUnknownMethod is an internal sentinel used to signal an unknown method
// in the Exec method. It is recognized by the dispatch plumbing so that a
// handler reporting it will behave as if no handler was found.
type errUnknownMethod struct{}

func (errUnknownMethod) Error() string          { return "exec: unknown method" }
func (errUnknownMethod) ResultCode() ResultCode { return CodeUnknownMethod }

// Exec executes the (local) handler on s for methodID, if one exists. If no
// handler is defined for methodID, Exec reports an error whose result code is
// CodeUnknownMethod, with an empty result; otherwise it returns the result of calling the handler with
// the given data.
func (s *Session) Exec(ctx context.Context, methodID introspect.Identifier, data []byte) ([]byte, error) {
	s.μ.Lock()
	handler, ok := s.imux[methodID]
	s.μ.Unlock()
	if !ok {
		return nil, errUnknownMethod{}
	}
	return handler(ctx, &Request{MethodID: methodID, Data: data})
}

// Handle registers a handler for the specified method Identifier. It is safe
// to call this while the session is running. Passing a nil Handler removes
// any handler for the specified ID. Handle returns s to permit chaining.
func (s *Session) Handle(methodID introspect.Identifier, handler Handler) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.imux == nil {
		s.imux = make(map[introspect.Identifier]Handler)
	}
	if handler == nil {
		delete(s.imux, methodID)
	} else {
		s.imux[methodID] = handler
	}
	return s
}

// BindInterface registers handlers for every method of desc, looked up by
// method name in handlers, and records desc so it is reported by Methods.
// BindInterface panics if handlers is missing an entry for one of desc's
// methods — a partially bound interface cannot safely be exposed to a
// catalog, since a peer resolving a method by name would get no handler.
func (s *Session) BindInterface(desc *introspect.InterfaceDescriptor, handlers map[string]Handler) *Session {
	for _, m := range desc.Methods() {
		h, ok := handlers[m.Name()]
		if !ok {
			panic(fmt.Sprintf("BindInterface(%s): no handler for method %q", desc.Name(), m.Name()))
		}
		s.Handle(m.ID(), h)
	}
	s.μ.Lock()
	if s.bound == nil {
		s.bound = make(map[introspect.Identifier]*introspect.InterfaceDescriptor)
	}
	s.bound[desc.ID()] = desc
	s.μ.Unlock()
	return s
}

// Methods returns the InterfaceDescriptors currently bound via BindInterface,
// for use in constructing a catalog to hand to the remote session.
func (s *Session) Methods() []*introspect.InterfaceDescriptor {
	s.μ.Lock()
	defer s.μ.Unlock()
	out := make([]*introspect.InterfaceDescriptor, 0, len(s.bound))
	for _, d := range s.bound {
		out = append(out, d)
	}
	return out
}

// HandlePacket registers a callback that will be invoked whenever the remote
// session sends a packet with the specified type. This method will panic if
// a reserved packet type is specified. Passing a nil callback removes any
// handler for the specified packet type. HandlePacket returns s to permit
// chaining.
//
// Packet handlers are invoked synchronously with the processing of packets
// sent by the remote session, and there will be at most one packet handler
// active at a time. If a packet handler panics or reports an error, it is
// protocol fatal and will terminate the session.
func (s *Session) HandlePacket(ptype PacketType, handler PacketHandler) *Session {
	if ptype <= maxReservedType {
		panic(fmt.Sprintf("cannot handle reserved packet type %d", ptype))
	}

	s.μ.Lock()
	defer s.μ.Unlock()
	if s.pmux == nil {
		s.pmux = make(map[PacketType]PacketHandler)
	}
	if handler == nil {
		delete(s.pmux, ptype)
	} else {
		s.pmux[ptype] = handler
	}
	return s
}

// LogPackets registers a callback that will be invoked for each packet
// exchanged with the remote session, regardless of type, including packets
// to be discarded.
//
// Passing a nil callback disables packet logging. The packet logger is
// invoked synchronously with dispatch, prior to sending or calling a packet
// handler.
func (s *Session) LogPackets(log PacketLogger) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.plog = log
	return s
}

// OnExit registers a callback to be invoked when the session terminates.
// The callback is executed synchronously during shutdown, with the same
// error value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the
// callback is removed.
func (s *Session) OnExit(f func(error)) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.onExit = f
	return s
}

// NewContext registers a function that will be called to create a new base
// context for method and packet handlers. This allows request-specific host
// resources to be plumbed into a handler. If it is not set a background
// context is used.
func (s *Session) NewContext(base func() context.Context) *Session {
	s.μ.Lock()
	defer s.μ.Unlock()
	if base == nil {
		s.base = context.Background
	} else {
		s.base = base
	}
	return s
}

// fail terminates all pending calls and updates the failure status.
func (s *Session) fail(err error) {
	s.closeOut()

	s.μ.Lock()
	defer s.μ.Unlock()

	// Terminate all incomplete outbound calls.
	for _, pc := range s.ocall {
		pc.close()
	}
	s.ocall = nil

	// Terminate all incomplete active inbound calls.
	for _, stop := range s.icall {
		stop()
	}
	s.icall = nil

	s.err = err
	if s.onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		s.onExit(err)
	}
}

func (s *Session) sendRsp(rsp *Response) {
	s.μ.Lock()
	delete(s.icall, rsp.RequestID)
	err := s.err
	s.μ.Unlock()

	if err != nil {
		return
	}

	if err := s.sendOut(&Packet{
		Type:    PacketResponse,
		Payload: rsp.Encode(),
	}); err != nil {
		s.closeOut()
	}
}

// sendReq sends a request packet for the given method and data.
// It blocks until the send completes, but does not wait for the reply.
// The response will be delivered on the returned pending channel.
func (s *Session) sendReq(method introspect.Identifier, data []byte) (uint32, pending, error) {
	// Phase 1: Check for fatal errors and acquire state.
	s.μ.Lock()
	if err := s.err; err != nil {
		s.μ.Unlock()
		return 0, nil, err
	}
	s.nexto++
	id := s.nexto
	pc := make(pending, 1)
	s.ocall[id] = pc
	s.μ.Unlock()

	// Send the request to the remote session. Note we MUST NOT hold the
	// state lock while doing this, as that will block the receiver from
	// dispatching packets.
	err := s.sendOut(&Packet{
		Type: PacketRequest,
		Payload: Request{
			RequestID: id,
			MethodID:  method,
			Data:      data,
		}.Encode(),
	})

	// Phase 2: Check for an error in the send, and update state if it failed.
	s.μ.Lock()
	defer s.μ.Unlock()
	if err != nil {
		s.releaseIDLocked(id)
		return 0, nil, err
	}
	return id, pc, nil
}

// sendCancel sends a cancellation for id to the remote session.
func (s *Session) sendCancel(id uint32) {
	if err := s.sendOut(&Packet{
		Type:    PacketCancel,
		Payload: Cancel{RequestID: id}.Encode(),
	}); err != nil {
		s.closeOut() // protocol fatal
	}
}

// dispatchRequestLocked dispatches an inbound request to its handler.
// It reports an error back to the caller for duplicate request ID or unknown
// method.
func (s *Session) dispatchRequestLocked(req *Request) (err error) {
	sessionMetrics.callIn.Add(1)
	defer func() {
		if err != nil {
			sessionMetrics.callInErr.Add(1)
		}
	}()

	// Report duplicate request ID without failing the existing call.
	if _, ok := s.icall[req.RequestID]; ok {
		return s.sendOut(&Packet{
			Type: PacketResponse,
			Payload: Response{
				RequestID: req.RequestID,
				Code:      CodeDuplicateID,
			}.Encode(),
		})
	}

	handler, ok := s.imux[req.MethodID]
	if !ok {
		return s.sendOut(&Packet{
			Type: PacketResponse,
			Payload: Response{
				RequestID: req.RequestID,
				Code:      CodeUnknownMethod,
			}.Encode(),
		})
	}

	// Start a goroutine to service the request. The goroutine handles
	// cancellation and response delivery.
	pctx := context.WithValue(s.base(), sessionContextKey{}, s)
	ctx, cancel := context.WithCancel(pctx)
	s.icall[req.RequestID] = cancel
	sessionMetrics.callActive.Add(1)

	s.tasks.Go(func() error {
		defer cancel()
		defer sessionMetrics.callActive.Add(-1)

		data, err := func() (_ []byte, err error) {
			// Ensure a panic out of the handler is turned into a graceful
			// response.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return handler(ctx, req)
		}()

		rsp := &Response{RequestID: req.RequestID}
		if ctx.Err() != nil || err == context.Canceled || err == context.DeadlineExceeded {
			// N.B. Only do this for the unwrapped sentinel errors.

			// If the context terminated, treat this as a cancellation even
			// if the handler succeeded. This usually means the context timed
			// out or the remote session sent a cancellation that the handler
			// ignored.

			rsp.Code = CodeCanceled
		} else if err == nil {
			rsp.Code = CodeSuccess
			rsp.Data = data
		} else if rc, ok := err.(resultCoder); ok {
			rsp.Code = rc.ResultCode()
		} else if ed, ok := err.(*ErrorData); ok {
			rsp.Code = CodeServiceError
			rsp.Data = ed.Encode()
		} else if ed, ok := err.(ErrorData); ok {
			rsp.Code = CodeServiceError
			rsp.Data = ed.Encode()
		} else {
			rsp.Code = CodeServiceError
			rsp.Data = ErrorData{Message: err.Error()}.Encode()
		}
		s.sendRsp(rsp)
		return nil
	})
	return nil
}

// dispatchPacket routes an inbound packet from the remote session.
// Any error it reports is protocol fatal.
func (s *Session) dispatchPacket(pkt *Packet) error {
	if s.plog != nil {
		s.plog(PacketInfo{Packet: pkt, Sent: false})
	}
	if pkt.Protocol != 0 {
		// Packets for an unrecognized protocol version are logged, then discarded.
		sessionMetrics.packetDropped.Add(1)
		return nil
	}
	switch pkt.Type {
	case PacketRequest:
		var req Request
		if err := req.UnmarshalBinary(pkt.Payload); err != nil {
			return fmt.Errorf("invalid request packet: %w", err)
		}
		s.μ.Lock()
		defer s.μ.Unlock()
		return s.dispatchRequestLocked(&req)

	case PacketCancel:
		var req Cancel
		if err := req.UnmarshalBinary(pkt.Payload); err != nil {
			return fmt.Errorf("invalid cancel packet: %w", err)
		}
		sessionMetrics.cancelIn.Add(1)
		s.μ.Lock()
		defer s.μ.Unlock()

		// If there is a dispatch in flight for this request, signal it to
		// stop. The dispatch wrapper will figure out how to reply and clean
		// up.
		if stop, ok := s.icall[req.RequestID]; ok {
			stop()
		}
		return nil

	case PacketResponse:
		var rsp Response
		if err := rsp.UnmarshalBinary(pkt.Payload); err != nil {
			return fmt.Errorf("invalid response packet: %w", err)
		}
		s.μ.Lock()
		defer s.μ.Unlock()

		pc, ok := s.ocall[rsp.RequestID]
		if !ok {
			// Silently discard response for unknown request ID.
			return nil
		}

		s.releaseIDLocked(rsp.RequestID)
		pc.deliver(&rsp) // does not block

	default:
		s.μ.Lock()
		handler, ok := s.pmux[pkt.Type]
		s.μ.Unlock()
		if !ok {
			sessionMetrics.packetDropped.Add(1)
			break // ignore the packet
		}

		pctx := context.WithValue(s.base(), sessionContextKey{}, s)
		return func() (err error) {
			// Ensure a panic out of a packet handler is turned into a
			// protocol fatal.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("packet handler panicked (recovered): %v", x)
				}
			}()
			return handler(pctx, pkt)
		}()
	}
	return nil
}

// releaseIDLocked releases the call state for the specified outbound
// request id.
func (s *Session) releaseIDLocked(id uint32) {
	delete(s.ocall, id)
	if len(s.ocall) == 0 {
		s.nexto = 0
	}
}

func (s *Session) sendOut(pkt *Packet) error {
	s.out.Lock()
	defer s.out.Unlock()
	sessionMetrics.packetSent.Add(1)
	if s.plog != nil {
		s.plog(PacketInfo{Packet: pkt, Sent: true})
	}
	return s.out.ch.Send(pkt)
}

func (s *Session) closeOut() {
	s.out.Lock()
	defer s.out.Unlock()
	if s.out.ch != nil {
		s.out.ch.Close()
	}
}

type pending chan *Response

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(r *Response) {
	if p != nil {
		p <- r
		close(p)
	}
}

func callError(err error) *CallError { return &CallError{Err: err} }

// CallError is the concrete type of errors reported by the Call method of a
// Session. For service errors, the Err field is nil and the ErrorData
// contains the error details. For errors arising from a response, the
// Response field contains the complete response message.
type CallError struct {
	ErrorData
	Err      error     // nil for service errors
	Response *Response // set if the error came from a call response
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	} else if c.Response.Code == CodeServiceError {
		return fmt.Sprintf("service error: %v", c.ErrorData.Error())
	}
	return fmt.Sprintf("request %d: %s", c.Response.RequestID, c.Response.Code.String())
}

type sessionContextKey struct{}

// ContextSession returns the Session associated with the given context, or
// nil if none is defined. The context passed to a method Handler has this
// value.
func ContextSession(ctx context.Context) *Session {
	if v := ctx.Value(sessionContextKey{}); v != nil {
		return v.(*Session)
	}
	return nil
}
