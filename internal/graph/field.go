package graph

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrFieldUnset = errors.New("field not set")

// Field is a state slot that distinguishes "never written" from a zero value.
type Field[T any] struct {
	value T
	set   bool
}

func Of[T any](v T) Field[T] {
	return Field[T]{value: v, set: true}
}

func (f *Field[T]) Set(v T) {
	f.value = v
	f.set = true
}

func (f Field[T]) Get() (T, bool) {
	return f.value, f.set
}

func (f Field[T]) IsSet() bool {
	return f.set
}

// Must fails fast when a node reads a field no predecessor has written.
func (f Field[T]) Must(name string) (T, error) {
	if !f.set {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrFieldUnset, name)
	}
	return f.value, nil
}

func (f Field[T]) Or(fallback T) T {
	if !f.set {
		return fallback
	}
	return f.value
}

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if !f.set {
		return []byte("null"), nil
	}
	return json.Marshal(f.value)
}
