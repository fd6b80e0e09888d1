package domain

import (
	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
)

type optionState uint8

const (
	optionUnset optionState = iota
	optionNone
	optionSome
)

// Option distinguishes a value that was never written (the zero Option) from
// one that is explicitly absent. Reading an unset Option is a protocol error.
type Option[T any] struct {
	state optionState
	value T
}

func Some[T any](v T) Option[T] {
	return Option[T]{state: optionSome, value: v}
}

func None[T any]() Option[T] {
	return Option[T]{state: optionNone}
}

func (o Option[T]) IsSet() bool {
	return o.state != optionUnset
}

func (o Option[T]) IsSome() bool {
	return o.state == optionSome
}

// Get returns the value and whether it is present, or ErrOptionUnset.
func (o Option[T]) Get() (T, bool, error) {
	switch o.state {
	case optionSome:
		return o.value, true, nil
	case optionNone:
		var zero T
		return zero, false, nil
	default:
		var zero T
		return zero, false, commonerrors.ErrOptionUnset
	}
}

// OrElse treats both unset and none as absent. Only for read paths where the
// distinction is irrelevant, such as logging.
func (o Option[T]) OrElse(fallback T) T {
	if o.state == optionSome {
		return o.value
	}
	return fallback
}
