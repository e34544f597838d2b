package self

import (
	"errors"
	"fmt"
)

// Kind classifies a decryption failure.
//
// A Kind is itself an error so that errors.Is(err, self.ErrIO) and friends
// match any *Error of that kind.
type Kind int

const (
	KindInvalid Kind = iota
	// KindNotSELF means the input is not a container at all. Bulk callers
	// skip such files without counting them as failures.
	KindNotSELF
	// KindIO is a short or failed read of the input.
	KindIO
	// KindFormat means the container magic matched but its internals did not.
	KindFormat
	// KindUnsupportedFirmware means the running firmware has no known pager
	// table location.
	KindUnsupportedFirmware
	// KindDecryptionRefused means the kernel would not decrypt a segment,
	// typically because the key is unavailable or the file is a fake SELF.
	KindDecryptionRefused
	// KindInternal covers allocation and mapping failures.
	KindInternal
)

var (
	ErrNotSELF             error = KindNotSELF
	ErrIO                  error = KindIO
	ErrFormat              error = KindFormat
	ErrUnsupportedFirmware error = KindUnsupportedFirmware
	ErrDecryptionRefused   error = KindDecryptionRefused
	ErrInternal            error = KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotSELF:
		return "not a SELF"
	case KindIO:
		return "i/o error"
	case KindFormat:
		return "malformed SELF"
	case KindUnsupportedFirmware:
		return "unsupported firmware"
	case KindDecryptionRefused:
		return "segment decryption refused"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

func (k Kind) Error() string { return k.String() }

// Code returns the legacy numeric status logged next to failures. Format and
// internal failures share -3.
func (k Kind) Code() int {
	switch k {
	case KindIO:
		return -2
	case KindFormat, KindInternal:
		return -3
	case KindUnsupportedFirmware:
		return -4
	case KindNotSELF:
		return -5
	case KindDecryptionRefused:
		return -6
	default:
		return -1
	}
}

// Error is returned by every failing operation in this package.
type Error struct {
	Kind Kind
	Op   string
	// Segment is the program header index involved, or -1.
	Segment int
	Err     error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Segment: -1, Err: err}
}

func segmentError(kind Kind, op string, segment int, err error) *Error {
	return &Error{Kind: kind, Op: op, Segment: segment, Err: err}
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Segment >= 0 {
		msg = fmt.Sprintf("%s (segment %d)", msg, e.Segment)
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind of err, or KindInvalid if err did not come from
// this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInvalid
}
