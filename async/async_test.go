// Copyright (C) 2024 The Dirmi Authors.

package async_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/dirmigo/dirmi"
	"github.com/dirmigo/dirmi/async"
	"github.com/dirmigo/dirmi/introspect"
)

// Notifier is a tiny remote interface used only to obtain a real
// introspect.Identifier for the CompletionQueue tests.
type Notifier interface {
	introspect.Remote
	Notify() error
}

func notifyID(t *testing.T) introspect.Identifier {
	t.Helper()
	ctx := introspect.NewContext()
	d, err := ctx.Examine(context.Background(), reflect.TypeOf((*Notifier)(nil)).Elem(), nil, nil)
	if err != nil {
		t.Fatalf("Examine: %v", err)
	}
	ms := d.MethodsByName("Notify")
	if len(ms) != 1 {
		t.Fatalf("MethodsByName(Notify): got %d methods, want 1", len(ms))
	}
	return ms[0].ID()
}

func TestNopQueue(t *testing.T) {
	id := notifyID(t)
	var q async.NopQueue
	q.Register(id, func(*dirmi.Response) { t.Fatal("callback should never run") })
}

func TestLocalQueue(t *testing.T) {
	id := notifyID(t)
	q := async.NewLocalQueue()

	if got := q.Pending(id); got != 0 {
		t.Fatalf("Pending: got %d, want 0", got)
	}

	var got []*dirmi.Response
	for i := 0; i < 2; i++ {
		q.Register(id, func(rsp *dirmi.Response) { got = append(got, rsp) })
	}
	if got := q.Pending(id); got != 2 {
		t.Fatalf("Pending: got %d, want 2", got)
	}

	r1 := &dirmi.Response{RequestID: 1}
	if ok := q.Deliver(id, r1); !ok {
		t.Error("Deliver: got false, want true")
	}
	if len(got) != 1 || got[0] != r1 {
		t.Errorf("after first Deliver: got %v, want [%v]", got, r1)
	}

	r2 := &dirmi.Response{RequestID: 2}
	if ok := q.Deliver(id, r2); !ok {
		t.Error("Deliver: got false, want true")
	}
	if len(got) != 2 || got[1] != r2 {
		t.Errorf("after second Deliver: got %v, want [%v %v]", got, r1, r2)
	}

	if ok := q.Deliver(id, &dirmi.Response{}); ok {
		t.Error("Deliver with no registrations: got true, want false")
	}
}

func TestLocalQueueFIFO(t *testing.T) {
	id := notifyID(t)
	q := async.NewLocalQueue()

	var order []int
	q.Register(id, func(*dirmi.Response) { order = append(order, 1) })
	q.Register(id, func(*dirmi.Response) { order = append(order, 2) })
	q.Register(id, func(*dirmi.Response) { order = append(order, 3) })

	for range 3 {
		q.Deliver(id, &dirmi.Response{})
	}
	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order: got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d]: got %d, want %d", i, order[i], want[i])
		}
	}
}
