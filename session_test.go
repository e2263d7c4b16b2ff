// Copyright (C) 2024 The Dirmi Authors.

package dirmi_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"math/rand"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/dirmigo/dirmi"
	"github.com/dirmigo/dirmi/channel"
	"github.com/dirmigo/dirmi/introspect"
	"github.com/dirmigo/dirmi/peers"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Ops is a small fixture interface examined by these tests to obtain real
// introspect.Identifier values for use as method identifiers. Its methods
// carry no semantic weight of their own; tests bind whichever subset they
// need and leave Unbound untouched to exercise unknown-method handling.
type Ops interface {
	introspect.Remote
	Unbound() error
	Primary() error
	Secondary() error
	Tertiary() error
	Quaternary() error
	Slow() error
	Block() error
	Stall() error
	Ping() error
}

func opsDescriptor(t *testing.T) *introspect.InterfaceDescriptor {
	t.Helper()
	ctx := introspect.NewContext()
	d, err := ctx.Examine(context.Background(), reflect.TypeOf((*Ops)(nil)).Elem(), nil, nil)
	if err != nil {
		t.Fatalf("Examine: %v", err)
	}
	return d
}

func opsID(t *testing.T, d *introspect.InterfaceDescriptor, name string) introspect.Identifier {
	t.Helper()
	ms := d.MethodsByName(name)
	if len(ms) != 1 {
		t.Fatalf("MethodsByName(%q): got %d methods, want 1", name, len(ms))
	}
	return ms[0].ID()
}

func TestSession(t *testing.T) {
	defer leaktest.Check(t)()

	d := opsDescriptor(t)
	unbound := opsID(t, d, "Unbound")
	primary := opsID(t, d, "Primary")

	loc := peers.NewLocal()
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping sessions: %v", err)
		}
		checkZero := func(m *expvar.Map, name string) {
			v := m.Get(name).(*expvar.Int).Value()
			if v != 0 {
				t.Errorf("Metric %q = %d, want 0", name, v)
			}
		}
		m := loc.A.Metrics()
		t.Logf("Metrics at exit: %v", m)

		// Check some basic properties of session metrics.
		checkZero(m, "calls_active")
		checkZero(m, "calls_pending")
	}()

	// The test cases send a string in the request that is parsed by
	// parseTestSpec (see below) to control what the handler returns.
	loc.A.Handle(primary, func(ctx context.Context, req *dirmi.Request) ([]byte, error) {
		return parseTestSpec(ctx, string(req.Data))
	})

	tests := []struct {
		who    *dirmi.Session // session originating the call
		method introspect.Identifier
		input  string          // input for parseTestSpec (generates response)
		want   *dirmi.Response // expected response
	}{
		{loc.B, unbound, "n/a", &dirmi.Response{Code: dirmi.CodeUnknownMethod}},
		{loc.A, unbound, "n/a", &dirmi.Response{Code: dirmi.CodeUnknownMethod}},
		{loc.A, primary, "n/a", &dirmi.Response{Code: dirmi.CodeUnknownMethod}}, // B never handles primary

		{loc.B, primary, "ok", &dirmi.Response{}},                        // success, empty data
		{loc.B, primary, "ok yay", &dirmi.Response{Data: []byte("yay")}}, // success, non-empty data

		{loc.B, primary, "error failure", &dirmi.Response{
			Code: dirmi.CodeServiceError,
			Data: dirmi.ErrorData{Message: "failure"}.Encode(),
		}}, // service error, default handling
		{loc.B, primary, "edata 17 hey stuff", &dirmi.Response{
			Code: dirmi.CodeServiceError,
			Data: dirmi.ErrorData{Code: 17, Message: "hey", Data: []byte("stuff")}.Encode(),
		}}, // service error, handler-provided code and data (by value)
		{loc.B, primary, "*edata 101 goober nonsense", &dirmi.Response{
			Code: dirmi.CodeServiceError,
			Data: dirmi.ErrorData{Code: 101, Message: "goober", Data: []byte("nonsense")}.Encode(),
		}}, // service error, handler-provided code and data (pointer)

		{loc.B, primary, "session?", &dirmi.Response{Data: []byte("present")}}, // check context session
	}
	for i, test := range tests {
		t.Run(fmt.Sprintf("case-%d-%s", i, test.input), func(t *testing.T) {
			ctx := context.Background()

			rsp, err := test.who.Call(ctx, test.method, []byte(test.input))
			if err != nil {
				if rsp != nil {
					t.Errorf("Call: got response %+v with error %v", rsp, err)
				}
				ce, ok := err.(*dirmi.CallError)
				if !ok {
					t.Fatalf("Call: got error %[1]T (%[1]v), want *CallError", err)
				}
				t.Logf("CallError: %v", ce)

				// If we got error data from the remote session, verify that the
				// CallError correctly unpacked the data from the response.
				if ce.Err == nil {
					var ed dirmi.ErrorData
					if err := ed.UnmarshalBinary(ce.Response.Data); err != nil {
						t.Errorf("Decode response ErrorData: %v", err)
					} else if diff := cmp.Diff(ed, ce.ErrorData); diff != "" {
						t.Errorf("ErrorData (-got, +want):\n%s", diff)
					}
					t.Logf("Response ErrorData: %v", ed)
				}
				rsp = ce.Response
			}

			// Ignore the RequestID field, which we can't correctly predict, and
			// treat nil and empty as equivalent.
			ignoreID := cmpopts.IgnoreFields(*rsp, "RequestID")
			if diff := cmp.Diff(test.want, rsp, ignoreID, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("Wrong response (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestCancellation(t *testing.T) {
	defer leaktest.Check(t)()

	d := opsDescriptor(t)
	slow := opsID(t, d, "Slow")

	loc := peers.NewLocal()
	defer loc.Stop()

	type packet struct {
		T dirmi.PacketType
		P string
	}

	var wg sync.WaitGroup
	wg.Add(3) // there are three packets exchanged below

	var apkt []packet
	loc.A.LogPackets(func(pkt dirmi.PacketInfo) {
		if !pkt.Sent {
			apkt = append(apkt, packet{T: pkt.Type, P: string(pkt.Payload)})
			wg.Done()
		}
	}).Handle(slow, func(ctx context.Context, _ *dirmi.Request) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var bpkt []packet
	loc.B.LogPackets(func(pkt dirmi.PacketInfo) {
		if !pkt.Sent {
			bpkt = append(bpkt, packet{T: pkt.Type, P: string(pkt.Payload)})
			wg.Done()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rsp, err := loc.B.Call(ctx, slow, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Got %+v, %v; want %v", rsp, err, context.Canceled)
	}

	wg.Wait()

	// B should have sent a Request followed by a Cancellation.
	if got := len(apkt); got != 2 {
		t.Fatalf("A packets: got %d, want 2", got)
	}
	if apkt[0].T != dirmi.PacketRequest {
		t.Errorf("A packet 0: got type %v, want REQUEST", apkt[0].T)
	}
	if apkt[1].T != dirmi.PacketCancel {
		t.Errorf("A packet 1: got type %v, want CANCEL", apkt[1].T)
	}

	// A should have replied with a cancellation Response for B's Request.
	if got := len(bpkt); got != 1 {
		t.Fatalf("B packets: got %d, want 1", got)
	}
	if bpkt[0].T != dirmi.PacketResponse {
		t.Errorf("B packet: got type %v, want RESPONSE", bpkt[0].T)
	}
}

func TestSessionExec(t *testing.T) {
	defer leaktest.Check(t)()

	d := opsDescriptor(t)
	primary, secondary, tertiary, quaternary := opsID(t, d, "Primary"), opsID(t, d, "Secondary"),
		opsID(t, d, "Tertiary"), opsID(t, d, "Quaternary")
	unbound := opsID(t, d, "Unbound")

	loc := peers.NewLocal()
	defer loc.Stop()

	loc.A.
		LogPackets(logPacket(t, "Session A")).
		Handle(primary, func(context.Context, *dirmi.Request) ([]byte, error) {
			t.Log("handler: primary")
			return []byte("ok"), nil
		}).
		Handle(secondary, func(ctx context.Context, req *dirmi.Request) ([]byte, error) {
			t.Log("handler: secondary")
			// Forward the request to the primary handler, should succeed.
			return dirmi.ContextSession(ctx).Exec(ctx, primary, req.Data)
		}).
		Handle(tertiary, func(ctx context.Context, req *dirmi.Request) ([]byte, error) {
			t.Log("handler: tertiary")
			// Forward the request to an unbound handler, should fail.
			// The data reported by this handler should not be seen by the caller.
			_, err := dirmi.ContextSession(ctx).Exec(ctx, unbound, req.Data)
			return []byte("unseen"), err
		}).
		Handle(quaternary, func(ctx context.Context, req *dirmi.Request) ([]byte, error) {
			t.Log("handler: quaternary")
			// Forward the request to the secondary handler, which should forward it
			// to primary.
			return dirmi.ContextSession(ctx).Exec(ctx, secondary, req.Data)
		})

	ctx := context.Background()
	for _, mid := range []introspect.Identifier{secondary, quaternary} {
		t.Run(fmt.Sprintf("Call-%v", mid), func(t *testing.T) {
			rsp, err := loc.B.Call(ctx, mid, nil)
			if err != nil {
				t.Errorf("Call %v: unexpected error: %v", mid, err)
			}
			if got, want := string(rsp.Data), "ok"; got != want {
				t.Errorf("Call %v: got %q, want %q", mid, got, want)
			}
		})
	}
	t.Run("CallTertiary", func(t *testing.T) {
		rsp, err := loc.B.Call(ctx, tertiary, nil)
		var cerr *dirmi.CallError
		if !errors.As(err, &cerr) {
			t.Errorf("Call tertiary: got (%v, %v), want CallError", rsp, err)
		} else if got := cerr.Response.Code; got != dirmi.CodeUnknownMethod {
			t.Errorf("Call tertiary: response code is %v, want %v", got, dirmi.CodeUnknownMethod)
		}
		if rsp != nil {
			t.Errorf("Call tertiary: response is %v, want nil", rsp)
		}
	})
}

func TestSlowCancellation(t *testing.T) {
	defer leaktest.Check(t)()

	d := opsDescriptor(t)
	block, primary := opsID(t, d, "Block"), opsID(t, d, "Primary")

	loc := peers.NewLocal()
	defer loc.Stop()

	stop := make(chan struct{})     // close to release the blocked Block handler
	returned := make(chan struct{}) // closed when the Block handler returns
	loc.A.
		Handle(block, func(context.Context, *dirmi.Request) ([]byte, error) {
			defer close(returned)
			<-stop // block until released
			return []byte("message in a bottle"), nil
		}).
		Handle(primary, func(context.Context, *dirmi.Request) ([]byte, error) {
			return []byte("ok"), nil
		}).
		LogPackets(logPacket(t, "Session A"))

	done := make(chan struct{}) // closed when Call(block) returns
	go func() {
		defer close(stop)
		select {
		case <-done:
			// OK, we got past the call
		case <-time.After(5 * time.Second):
			t.Error("Timeout waiting for Call to return")
		}
	}()

	// Verify that a call times out and returns control to the calling session
	// even if the remote session has not acknowledged the cancellation yet.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if rsp, err := loc.B.Call(ctx, block, nil); err == nil {
		t.Errorf("Call: unexpectedly succeeded: %v", rsp)
	} else {
		t.Logf("Call correctly failed: %v", err)
	}

	// Verify that the session did not yield the unresolved request ID, which
	// would otherwise be reused.
	if rsp, err := loc.B.Call(context.Background(), primary, nil); err != nil {
		t.Errorf("Call primary unexpectedly failed: %v", err)
	} else if got, want := string(rsp.Data), "ok"; got != want {
		t.Errorf("Call primary: got %q, want %q", got, want)
	}

	close(done) // also releases the blocked Block handler
	<-returned
}

func TestProtocolFatal(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("BadMagic", func(t *testing.T) {
		tw, ch := rawChannel()
		s := dirmi.NewSession().Start(ch)
		time.AfterFunc(time.Second, func() { s.Stop() })

		tw.Write([]byte{'D', 'X', 0, 2, 0, 0, 0, 0})
		mustErr(t, s.Wait(), "invalid protocol magic")
	})

	t.Run("ShortHeader", func(t *testing.T) {
		tw, ch := rawChannel()
		s := dirmi.NewSession().Start(ch)
		time.AfterFunc(time.Second, func() { s.Stop() })

		tw.Write([]byte{'D', 'M', 0, 2, 0, 0})
		tw.Close()
		mustErr(t, s.Wait(), "short packet header")
	})

	t.Run("ShortPayload", func(t *testing.T) {
		tw, ch := rawChannel()
		s := dirmi.NewSession().Start(ch)
		time.AfterFunc(time.Second, func() { s.Stop() })

		tw.Write([]byte{'D', 'M', 0, 2, 0, 0, 0, 10, 'a', 'b', 'c', 'd'})
		tw.Close()
		mustErr(t, s.Wait(), "short payload")
	})

	t.Run("BadRequest", func(t *testing.T) {
		tw, ch := rawChannel()
		s := dirmi.NewSession().Start(ch)
		time.AfterFunc(time.Second, func() { s.Stop() })

		tw.Write([]byte{'D', 'M', 0, 2, 0, 0, 0, 1, 'X'})
		mustErr(t, s.Wait(), "short request payload")
	})

	t.Run("BadResponse", func(t *testing.T) {
		tw, ch := rawChannel()
		s := dirmi.NewSession().Start(ch)
		time.AfterFunc(time.Second, func() { s.Stop() })

		tw.Write(dirmi.Packet{
			Type: dirmi.PacketResponse,
			Payload: dirmi.Response{
				RequestID: 100,
				Code:      100,
			}.Encode(),
		}.Encode())
		mustErr(t, s.Wait(), "invalid result code")
	})

	t.Run("CloseChannel", func(t *testing.T) {
		d := opsDescriptor(t)
		stallID := opsID(t, d, "Stall")

		ready := make(chan struct{})
		done := make(chan struct{})
		stall := func(ctx context.Context, _ *dirmi.Request) ([]byte, error) {
			defer close(done)
			close(ready)
			<-ctx.Done()
			return nil, ctx.Err()
		}

		pr, tw := io.Pipe()
		tr, pw := io.Pipe()
		ch := channel.IO(pr, pw)
		s := dirmi.NewSession().Handle(stallID, stall).Start(ch)
		defer s.Stop()

		tw.Write(dirmi.Packet{
			Type:    dirmi.PacketRequest,
			Payload: dirmi.Request{RequestID: 666, MethodID: stallID}.Encode(),
		}.Encode())

		// Wait for the method handler to be running.
		<-ready

		// Simulate the channel failing by closing the pipe.
		time.AfterFunc(100*time.Millisecond, func() { tw.Close() })

		// Outbound calls MUST fail and report an error.
		var buf [64]byte
		nr, err := tr.Read(buf[:])
		if err != nil {
			t.Logf("Response correctly failed: %v", err)
		} else {
			t.Errorf("Got response %#q, wanted error", string(buf[:nr]))
		}

		// Inbound calls MUST be cancelled and their results discarded.
		select {
		case <-done:
			t.Log("Handler exited OK")
		case <-time.After(time.Second):
			t.Error("Timed out waiting for handler to exit")
		}
		s.Stop()
	})
}

func TestCustomPacket(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal()
	defer loc.Stop()

	var log []*dirmi.Packet
	var got []*dirmi.Packet
	var wg sync.WaitGroup
	wg.Add(2)
	loc.A.
		HandlePacket(128, func(ctx context.Context, pkt *dirmi.Packet) error {
			defer wg.Done()
			got = append(got, pkt)

			// Send a "reply" packet back to the caller. This does not need to be
			// the same packet type that we received.
			rsp := string(pkt.Payload) + " reply"
			return dirmi.ContextSession(ctx).SendPacket(129, []byte(rsp))
		}).
		LogPackets(func(pkt dirmi.PacketInfo) {
			if !pkt.Sent {
				log = append(log, pkt.Packet)
			}
		})
	loc.B.
		HandlePacket(129, func(ctx context.Context, pkt *dirmi.Packet) error {
			defer wg.Done()
			log = append(log, pkt)
			return nil
		})

	// Unknown packet type: Logged but discarded.
	p1 := &dirmi.Packet{Type: 100, Payload: []byte("unrecognized")}

	// Registered custom packet type: Logged and "processed".
	p2 := &dirmi.Packet{Type: 128, Payload: []byte("custom")}

	// A packet handler can also send packets back to its caller.
	p3 := &dirmi.Packet{Type: 129, Payload: []byte("custom reply")}

	if err := loc.B.SendPacket(p1.Type, p1.Payload); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if err := loc.B.SendPacket(p2.Type, p2.Payload); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	// Stop the session so the callbacks settle.
	wg.Wait()
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop session: %v", err)
	}

	if diff := cmp.Diff([]*dirmi.Packet{p1, p2, p3}, log); diff != "" {
		t.Errorf("Packet log (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]*dirmi.Packet{p2}, got); diff != "" {
		t.Errorf("Custom packet (-want, +got):\n%s", diff)
	}
}

func TestProtocolVersion(t *testing.T) {
	defer leaktest.Check(t)()

	d := opsDescriptor(t)
	primary := opsID(t, d, "Primary")

	pkt := &dirmi.Packet{
		Protocol: 99, // specifically, not 0
		Type:     dirmi.PacketRequest,
		Payload: dirmi.Request{
			RequestID: 12345,
			MethodID:  primary,
			Data:      []byte("hello"),
		}.Encode(),
	}

	ac, bc := channel.Direct()
	a := dirmi.NewSession().LogPackets(func(pi dirmi.PacketInfo) {
		if pi.Sent {
			// The session should not send any packets.
			t.Errorf("Unexpected packet sent: %v", pi)
		} else if diff := cmp.Diff(pi.Packet, pkt); diff != "" {
			// The session should get the packet we sent.
			t.Errorf("Received (-got, +want):\n%s", diff)
		} else {
			t.Logf("Got expected packet: %v", pi)
		}
	}).Start(ac)
	defer func() { bc.Close(); a.Wait() }()

	// Send a request packet with an unrecognized protocol version.  The
	// session should drop this packet, so we should not get a reply.
	if err := bc.Send(pkt); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

func TestOnExit(t *testing.T) {
	t.Run("CloseChannel", func(t *testing.T) {
		defer leaktest.Check(t)()

		loc := peers.NewLocal()
		defer loc.B.Wait()

		var cbCalled bool
		loc.A.OnExit(func(err error) {
			cbCalled = true
			if err != nil {
				t.Errorf("OnExit got an unexpected error: %v", err)
			}
		})

		time.AfterFunc(5*time.Millisecond, func() { loc.A.Stop() })

		if err := loc.A.Wait(); err != nil {
			t.Errorf("Wait: got %v, want nil", err)
		}
		if !cbCalled {
			t.Error("OnExit was not called")
		}
	})

	t.Run("BadPacket", func(t *testing.T) {
		defer leaktest.Check(t)()

		sr, cw := io.Pipe()
		_, sw := io.Pipe()
		srv := channel.IO(sr, sw)

		var cbCalled bool
		var cbErr error
		s := dirmi.NewSession().Start(srv).OnExit(func(err error) {
			cbCalled = true
			cbErr = err
		})

		cw.Write([]byte("DM\x00\x01\x00\x00\x00")) // short packet header
		cw.Close()

		if err := s.Wait(); err == nil {
			t.Error("Wait should have reported an error")
		} else {
			t.Logf("Wait reported: %v (OK)", err)
		}

		if !cbCalled {
			t.Error("OnExit was not called")
		} else if cbErr == nil {
			t.Error("OnExit should have reported an error")
		} else {
			t.Logf("OnExit reported: %v (OK)", cbErr)
		}
	})
}

func TestContextPlumbing(t *testing.T) {
	defer leaktest.Check(t)()

	d := opsDescriptor(t)
	primary := opsID(t, d, "Primary")

	loc := peers.NewLocal()
	defer loc.Stop()

	type testKey struct{}
	loc.A.
		NewContext(func() context.Context {
			// Attach a known value to the base context.
			return context.WithValue(context.Background(), testKey{}, "ok")
		}).
		Handle(primary, func(ctx context.Context, _ *dirmi.Request) ([]byte, error) {
			// Verify that the base context is visible from ctx.
			v, ok := ctx.Value(testKey{}).(string)
			if !ok || v != "ok" {
				t.Error("Base context was not correctly plumbed")
			}
			return nil, nil
		})

	_, err := loc.B.Call(context.Background(), primary, nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
}

func TestCallback(t *testing.T) {
	defer leaktest.Check(t)()

	d := opsDescriptor(t)
	ping := opsID(t, d, "Ping")

	loc := peers.NewLocal()
	defer loc.Stop()

	const numCallbacks = 5

	caller := func(ctx context.Context, req *dirmi.Request) ([]byte, error) {
		session := dirmi.ContextSession(ctx)

		v, err := strconv.Atoi(string(req.Data))
		if err != nil {
			return nil, err
		} else if v == numCallbacks {
			t.Logf("Session %p complete (v=%d)", session, numCallbacks)
			return []byte("ok"), nil
		}

		t.Logf("Session %p callback v=%d", session, v)
		rsp, err := session.Call(ctx, req.MethodID, []byte(strconv.Itoa(v+1)))
		if err != nil {
			return nil, err
		}
		return rsp.Data, nil
	}

	// Each session will ping-pong callbacks until the threshold has been
	// reached, then unwind returning the result from the furthest call all
	// the way back to the initial caller.
	loc.A.Handle(ping, caller).LogPackets(logPacket(t, "Session A"))
	loc.B.Handle(ping, caller).LogPackets(logPacket(t, "Session B"))

	rsp, err := loc.A.Call(context.Background(), ping, []byte("0"))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	} else if got, want := string(rsp.Data), "ok"; got != want {
		t.Errorf("Call result: got %q, want %q", got, want)
	}
}

func TestConcurrency(t *testing.T) {
	defer leaktest.Check(t)()

	t.Run("Local", func(t *testing.T) {
		defer leaktest.Check(t)()

		d := opsDescriptor(t)
		primary, secondary := opsID(t, d, "Primary"), opsID(t, d, "Secondary")

		loc := peers.NewLocal()
		defer loc.Stop()

		loc.A.Handle(primary, slowEcho)
		loc.B.Handle(secondary, slowEcho)

		runConcurrent(t, loc.A, loc.B, primary, secondary)
	})

	t.Run("Pipe", func(t *testing.T) {
		defer leaktest.Check(t)()

		d := opsDescriptor(t)
		primary, secondary := opsID(t, d, "Primary"), opsID(t, d, "Secondary")

		ar, bw := io.Pipe()
		br, aw := io.Pipe()
		sa := dirmi.NewSession().Start(channel.IO(ar, aw))
		sb := dirmi.NewSession().Start(channel.IO(br, bw))
		defer func() {
			if err := sa.Stop(); err != nil {
				t.Errorf("A stop: %v", err)
			}
			if err := sb.Stop(); err != nil {
				t.Errorf("B stop: %v", err)
			}
		}()

		sa.Handle(primary, slowEcho)
		sb.Handle(secondary, slowEcho)

		runConcurrent(t, sa, sb, primary, secondary)
	})
}

func runConcurrent(t *testing.T, sa, sb *dirmi.Session, primary, secondary introspect.Identifier) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// To give the race detector something to push against, make the sessions
	// call each other lots of times concurrently and wait for the responses.
	const numCalls = 128 // per session

	calls := taskgroup.New(taskgroup.Trigger(cancel))
	for i := 0; i < numCalls; i++ {

		// Send calls from A to B.
		ab := fmt.Sprintf("ab-call-%d", i+1)
		calls.Go(func() error {
			rsp, err := sa.Call(ctx, secondary, []byte(ab))
			if err != nil {
				return err
			} else if got := string(rsp.Data); got != ab {
				return fmt.Errorf("got %q, want %q", got, ab)
			}
			return nil
		})

		// Send calls from B to A.
		ba := fmt.Sprintf("ba-call-%d", i+1)
		calls.Go(func() error {
			rsp, err := sb.Call(ctx, primary, []byte(ba))
			if err != nil {
				return err
			} else if got := string(rsp.Data); got != ba {
				return fmt.Errorf("got %q, want %q", got, ba)
			}
			return nil
		})
	}
	if err := calls.Wait(); err != nil {
		t.Errorf("Calls: %v", err)
	}
}

func rawChannel() (*io.PipeWriter, channel.IOChannel) {
	pr, tw := io.Pipe()
	_, pw := io.Pipe()
	return tw, channel.IO(pr, pw)
}

func mustErr(t *testing.T, err error, want string) {
	if err == nil {
		t.Fatalf("Got nil, want %v", want)
	} else if !strings.Contains(err.Error(), want) {
		t.Fatalf("Got %v, want %v", err, want)
	}
}

func slowEcho(_ context.Context, req *dirmi.Request) ([]byte, error) {
	time.Sleep(time.Duration(rand.Intn(100)+50) * time.Microsecond) // "work"
	return req.Data, nil
}

// parseTestSpec parses a string giving test values to return from a method
// handler, and returns those values.
//
// Grammar:
//
//	ok text...        -- return text, nil
//	error ...         -- return nil, error(...)
//	edata c msg data  -- return nil, ErrorData{c, msg, data}
//	*edata c msg data -- return nil, &ErrorData{c, msg, data}
//	session?          -- return x, nil where x == "present"/"absent"
//
// Any other value causes a panic.
func parseTestSpec(ctx context.Context, s string) ([]byte, error) {
	ps := strings.Fields(s)
	switch ps[0] {
	case "ok":
		if len(ps) == 1 {
			return nil, nil
		}
		return []byte(strings.Join(ps[1:], " ")), nil

	case "error":
		return nil, errors.New(strings.Join(ps[1:], " "))

	case "edata", "*edata":
		if len(ps) != 4 {
			break
		}
		c, err := strconv.ParseUint(ps[1], 10, 16)
		if err != nil {
			break
		}
		ed := dirmi.ErrorData{
			Code:    uint16(c),
			Message: ps[2],
			Data:    []byte(ps[3]),
		}
		if ps[0] == "*edata" {
			return nil, &ed
		}
		return nil, ed

	case "session?":
		if len(ps) == 1 {
			if dirmi.ContextSession(ctx) != nil {
				return []byte("present"), nil
			}
			return []byte("absent"), nil
		}
	}
	panic(fmt.Sprintf("Invalid test spec %q", s))
}

func logPacket(t *testing.T, tag string) dirmi.PacketLogger {
	return func(pkt dirmi.PacketInfo) {
		t.Helper()
		t.Logf("%s: %v", tag, pkt)
	}
}

func TestRegression(t *testing.T) {
	t.Run("ErrorDataSize", func(t *testing.T) {
		const input = "\x00\x01\x00\x04abc"

		var ed dirmi.ErrorData
		if err := ed.UnmarshalBinary([]byte(input)); err == nil {
			t.Errorf("ErrorData: got %#v, wanted error", ed)
		} else {
			t.Logf("Decoding ErrorData: got expected error: %v", err)
		}
	})
}
