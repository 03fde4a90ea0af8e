// Package archerr defines the typed error kinds shared across the
// block-device and filesystem layers, per spec.md section 7.
package archerr

import (
	"errors"
	"fmt"
)

// Kind is a coarse classification of a failure, stable across layers so
// a front-end can dispatch on it without parsing messages.
type Kind int

const (
	// KindUnknown is never returned; it catches zero-value mistakes.
	KindUnknown Kind = iota
	KindIO
	KindSignatureMismatch
	KindHashMismatch
	KindKey
	KindBadFormat
	KindBadParams
	KindNotFound
	KindDuplicate
	KindNoSpace
	KindNotEmpty
	KindNotSupported
	KindBrokenFixedSize
	KindInvalidHandle
	KindNameTooLong
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IoError"
	case KindSignatureMismatch:
		return "SignatureMismatch"
	case KindHashMismatch:
		return "HashMismatch"
	case KindKey:
		return "KeyError"
	case KindBadFormat:
		return "BadFormat"
	case KindBadParams:
		return "BadParams"
	case KindNotFound:
		return "NotFound"
	case KindDuplicate:
		return "Duplicate"
	case KindNoSpace:
		return "NoSpace"
	case KindNotEmpty:
		return "NotEmpty"
	case KindNotSupported:
		return "NotSupported"
	case KindBrokenFixedSize:
		return "BrokenFixedSize"
	case KindInvalidHandle:
		return "InvalidHandle"
	case KindNameTooLong:
		return "NameTooLong"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned across layer boundaries. It
// always carries enough context for a front-end to localize the failure:
// which layer produced it, where in the archive, and which archive.
type Error struct {
	Kind      Kind
	Layer     string // e.g. "ivfs", "dpfs", "fsmeta", "fat"
	ArchiveID string // Archive.ID(), empty if not yet associated with one
	Offset    int64  // byte offset within Layer, -1 if not applicable
	Msg       string
	Err       error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s: %s at layer=%s offset=%d archive=%s: %v", e.Kind, e.Msg, e.Layer, e.Offset, e.ArchiveID, e.Err)
	}
	return fmt.Sprintf("%s: %s at layer=%s archive=%s: %v", e.Kind, e.Msg, e.Layer, e.ArchiveID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, archerr.Is(archerr.KindNotFound)) style
// checks by comparing kinds through a sentinel wrapper; see the
// package-level Is.
func (e *Error) Is(target error) bool {
	var ke *kindSentinel
	if errors.As(target, &ke) {
		return e.Kind == ke.kind
	}
	return false
}

// kindSentinel lets callers write errors.Is(err, archerr.Is(KindNotFound)).
type kindSentinel struct{ kind Kind }

func (k *kindSentinel) Error() string { return k.kind.String() }

// Is returns a sentinel error usable with errors.Is to test an Error's Kind.
func Is(kind Kind) error { return &kindSentinel{kind: kind} }

// New builds an *Error with no wrapped cause.
func New(kind Kind, layer string, offset int64, msg string) *Error {
	return &Error{Kind: kind, Layer: layer, Offset: offset, Msg: msg}
}

// Wrap builds an *Error wrapping an underlying cause.
func Wrap(kind Kind, layer string, offset int64, msg string, err error) *Error {
	return &Error{Kind: kind, Layer: layer, Offset: offset, Msg: msg, Err: err}
}

// WithArchive returns a copy of e annotated with an archive id, used when
// an error bubbles up from a layer that doesn't know its owning archive.
func WithArchive(err error, archiveID string) error {
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.ArchiveID = archiveID
		return &cp
	}
	return err
}
