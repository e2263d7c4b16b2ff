// Copyright (C) 2024 The Dirmi Authors.

// Package dirmi implements the session and wire-dispatch layer that sits
// beneath the introspect package: Sessions exchange binary packets over a
// shared reliable Channel, routing each call by the introspect.Identifier of
// the target method rather than by name.
//
// # Sessions
//
// The core type defined by this package is the [Session]. Sessions
// concurrently initiate and service calls with another session over a
// [Channel].
//
// To create a new, unstarted session:
//
//	s := dirmi.NewSession()
//
// To start the service routine, call the Start method with a channel
// connected to another session:
//
//	s.Start(ch)
//
// The session runs until [Session.Stop] is called, the channel is closed by
// the remote session, or a protocol fatal error occurs. Call [Session.Wait]
// to wait for the session to exit and report its status:
//
//	if err := s.Wait(); err != nil {
//	   log.Fatalf("session failed: %v", err)
//	}
//
// # Channels
//
// The [Channel] interface defines the ability to send and receive packets.
// A Channel implementation must allow concurrent use by one sender and one
// receiver. The channel package provides some basic implementations of this
// interface.
//
// # Calls
//
// A call is an exchange between two sessions, consisting of a request and a
// corresponding response. The session that initiates the call is the
// caller, the session that responds is the callee. Calls may propagate in
// either direction.
//
// Rather than binding handlers one method Identifier at a time, most callers
// use [Session.BindInterface] to register every method of an
// introspect.InterfaceDescriptor at once:
//
//	s.BindInterface(desc, map[string]dirmi.Handler{
//	    "Greet": marshal.ParamResultError(greet),
//	})
//
// To issue a call to the remote session, use the [Session.Call] method with
// the target method's Identifier, typically obtained by resolving a name
// through a catalog.Catalog:
//
//	rsp, err := s.Call(ctx, methodID, payload)
//	if err != nil {
//	   log.Fatalf("call failed: %v", err)
//	}
//
// Errors returned by s.Call have concrete type [*CallError].
//
// # Callbacks
//
// A method handler may "call back" to methods of the remote session. To do
// so, the handler uses [ContextSession] to obtain the local session, and
// executes its [Session.Call] method. This behaves as any other call made
// by the local session.
//
// # Local Calls
//
// To invoke a handler directly on the local session, use [Session.Exec].
// Exec does not send any packets to the remote session. Exec passes its
// context to the handler unchanged, so a [Session.Call] made by the handler
// goes to the remote session like any other call. Exec returns the handler's
// result and error as they are; if no handler is registered for the method,
// it reports an error whose result code is [CodeUnknownMethod].
//
// # Custom Packet Handlers
//
// To handle packet types other than [Request], [Response], and [Cancel],
// the caller can use the [Session.SendPacket] and [Session.HandlePacket]
// methods. SendPacket allows the caller to send an arbitrary packet to the
// session. Sessions that do not understand a packet type will silently
// discard it.
//
// HandlePacket registers a callback that will be invoked when a packet is
// received matching the specified type. If the callback reports an error or
// panics, it is treated as protocol fatal.
//
// # Metrics
//
// Sessions maintain a collection of metrics while running. Use the
// [Session.Metrics] method to obtain an [expvar.Map] containing the metrics
// exported by the session. By default, metrics are shared globally among
// all sessions.
//
// The metrics currently exported include:
//
//   - packets_received: counter of packets received
//   - packets_sent: counter of packets sent
//   - packets_dropped: counter of packets received and discarded
//   - calls_in: counter of inbound call requests received
//   - calls_in_failed: counter of inbound call requests resulting in errors
//   - calls_active: gauge of inbound calls currently active
//   - calls_out: counter of outbound call requests sent
//   - calls_out_failed: counter of outbound call requests resulting in errors
//   - cancels_in: counter of cancellation requests received
//   - calls_pending: gauge of outbound calls currently pending
//
// Additional metrics may be added in the future. It is safe for the caller
// to modify the metrics map to add, update, and remove entries.
package dirmi
