package introspect_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/dirmigo/dirmi/introspect"
)

// newContext returns a fresh, empty Context for a test, so tests don't
// interfere with each other through the package-level default Context.
func newContext(t *testing.T) *introspect.Context {
	t.Helper()
	return introspect.NewContext()
}

func bgCtx() context.Context { return context.Background() }

// ifaceType returns the reflect.Type of the interface T.
func ifaceType[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
