// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"errors"
	"fmt"
)

// Kind classifies the outcome of a check or repair routine, following
// the same errors.Is-matchable sentinel idiom as btrfstree.ErrNoItem
// / btrfstree.ErrNoTree.
type Kind int

const (
	// KindIo means a device read/write failed or returned short.
	KindIo Kind = iota
	// KindCorrupt means an on-disk structure violates an invariant in a
	// way that is not repairable locally.
	KindCorrupt
	// KindInconsistent means a repairable discrepancy was found;
	// callers inspect the accompanying error-bit taxonomy for which.
	KindInconsistent
	// KindAgain means a repair was performed and the enclosing scan
	// must restart because CoW may have invalidated cached nodes.
	KindAgain
	// KindBusy means the device appears mounted and --force was not
	// given.
	KindBusy
	// KindUnsupported means a feature bit isn't implemented.
	KindUnsupported
	// KindFatal means an unrecoverable programming or allocation
	// error; the tool must exit immediately.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindIo:
		return "io error"
	case KindCorrupt:
		return "corrupt"
	case KindInconsistent:
		return "inconsistent"
	case KindAgain:
		return "again"
	case KindBusy:
		return "busy"
	case KindUnsupported:
		return "unsupported"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// KindError wraps an error with a Kind, so that callers can
// `errors.As` it out of an error chain built with "%w".
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// Is lets `errors.Is(err, Again)`-style sentinel comparisons work
// against a *KindError of the same Kind, without requiring the target
// to also be a *KindError with a matching Err.
func (e *KindError) Is(target error) bool {
	other, ok := target.(*KindError)
	if !ok {
		return false
	}
	return other.Kind == e.Kind && other.Err == nil
}

func newKind(k Kind) error { return &KindError{Kind: k} }

// Sentinel values for errors.Is comparisons, e.g. `errors.Is(err, Again)`.
var (
	Again       = newKind(KindAgain)
	Busy        = newKind(KindBusy)
	Fatal       = newKind(KindFatal)
	Unsupported = newKind(KindUnsupported)
)

// Wrap annotates err with a Kind, preserving the chain so that
// `errors.Is`/`errors.As` still work against both the Kind and the
// inner error.
func Wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: k, Err: err}
}

// Wrapf is like Wrap, but builds the inner error with fmt.Errorf.
func Wrapf(k Kind, format string, args ...any) error {
	return Wrap(k, fmt.Errorf(format, args...))
}

// IsKind reports whether err (or something it wraps) is a *KindError
// of Kind k.
func IsKind(err error, k Kind) bool {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind == k
	}
	return false
}
