package escrow

import (
	"encoding/json"
	"errors"
)

// ErrAlreadySet is returned when writing an Optional that already holds a value.
var ErrAlreadySet = errors.New("escrow: optional field already set")

// Optional is a write-once field. Once a value is written it can be neither
// replaced nor cleared.
type Optional[T any] struct {
	value T
	set   bool
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true}
}

// Get returns the value and whether it is set.
func (o Optional[T]) Get() (T, bool) { return o.value, o.set }

// IsSet reports whether a value has been written.
func (o Optional[T]) IsSet() bool { return o.set }

// Value returns the value, or the zero value of T when unset.
func (o Optional[T]) Value() T { return o.value }

// Write stores v if the field is unset.
func (o *Optional[T]) Write(v T) error {
	if o.set {
		return ErrAlreadySet
	}
	o.value = v
	o.set = true
	return nil
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.set {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = Optional[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}
