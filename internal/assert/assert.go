// Package assert contains helpers for test assertions.
package assert

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// Equal asserts exp == act.
func Equal(t testing.TB, exp, act interface{}, name string) {
	t.Helper()
	diff := cmp.Diff(exp, act)
	if diff != "" {
		t.Fatalf("unexpected %v: %v", name, diff)
	}
}

// Success asserts err == nil.
func Success(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
}

// Error asserts err != nil.
func Error(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
}
