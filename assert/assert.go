// Package assert provides the small set of test assertions used across the module.
// Every helper reports through t.Errorf so a test keeps running after a failure,
// except NoError and NotNil which stop the test since later steps would dereference.
package assert

import (
	"cmp"
	"errors"
	"reflect"
	"strings"
	"testing"
)

// Equal fails the test if expected and actual are not deeply equal
func Equal(t testing.TB, expected, actual any, msg string) {
	t.Helper()
	if !reflect.DeepEqual(expected, actual) {
		t.Errorf("%s: expected %#v, got %#v", msg, expected, actual)
	}
}

// NotEqual fails the test if expected and actual are deeply equal
func NotEqual(t testing.TB, expected, actual any, msg string) {
	t.Helper()
	if reflect.DeepEqual(expected, actual) {
		t.Errorf("%s: expected values to differ, both are %#v", msg, actual)
	}
}

func True(t testing.TB, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Errorf("%s: expected true", msg)
	}
}

func False(t testing.TB, cond bool, msg string) {
	t.Helper()
	if cond {
		t.Errorf("%s: expected false", msg)
	}
}

// Nil treats nil pointers, maps, slices, channels and funcs as nil, as well as empty slices
func Nil(t testing.TB, v any, msg string) {
	t.Helper()
	if !isNil(v) {
		t.Errorf("%s: expected nil, got %#v", msg, v)
	}
}

// NotNil stops the test when v is nil
func NotNil(t testing.TB, v any, msg string) {
	t.Helper()
	if isNil(v) {
		t.Fatalf("%s: expected non-nil value", msg)
	}
}

// NoError stops the test when err is not nil
func NoError(t testing.TB, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", msg, err)
	}
}

func Error(t testing.TB, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Errorf("%s: expected an error", msg)
	}
}

// ErrorIs fails the test unless errors.Is(err, target)
func ErrorIs(t testing.TB, err, target error, msg string) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Errorf("%s: expected error %v, got %v", msg, target, err)
	}
}

// Len checks the length of a slice, map, string or channel
func Len(t testing.TB, expected int, obj any, msg string) {
	t.Helper()
	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Slice, reflect.Map, reflect.String, reflect.Array, reflect.Chan:
		if v.Len() != expected {
			t.Errorf("%s: expected length %d, got %d", msg, expected, v.Len())
		}
	default:
		t.Errorf("%s: cannot take length of %T", msg, obj)
	}
}

func Contains(t testing.TB, s, substr, msg string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("%s: expected %q to contain %q", msg, s, substr)
	}
}

func Greater[T cmp.Ordered](t testing.TB, a, b T, msg string) {
	t.Helper()
	if !(a > b) {
		t.Errorf("%s: expected %v > %v", msg, a, b)
	}
}

func GreaterOrEqual[T cmp.Ordered](t testing.TB, a, b T, msg string) {
	t.Helper()
	if !(a >= b) {
		t.Errorf("%s: expected %v >= %v", msg, a, b)
	}
}

func Less[T cmp.Ordered](t testing.TB, a, b T, msg string) {
	t.Helper()
	if !(a < b) {
		t.Errorf("%s: expected %v < %v", msg, a, b)
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		return rv.IsNil() || rv.Len() == 0
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
