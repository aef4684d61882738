// Package direrr defines the error kinds used throughout the consensus
// directory subsystem, following the teacher's habit (core/cert,
// core/pki) of package-level sentinel errors checked with errors.Is
// rather than ad hoc string matching.
package direrr

import "errors"

// Kind identifies one of the error classes from the subsystem's error
// handling design. It is attached to a direrr.Error so callers can branch
// on the class without string-matching messages.
type Kind int

const (
	// KindNone indicates success; direrr.Error is never constructed with
	// this kind, it exists for switch-default completeness.
	KindNone Kind = iota

	// KindBadParse indicates the input bytes did not parse as a
	// well-formed document.
	KindBadParse

	// KindWrongFlavor indicates the parsed flavor did not match the
	// requested flavor under RequireFlavor.
	KindWrongFlavor

	// KindDuplicate indicates the document is byte-identical to the one
	// already installed.
	KindDuplicate

	// KindStale indicates the document's valid_after is not newer than
	// the currently installed document's.
	KindStale

	// KindClockSkew indicates the local clock disagrees with the
	// document's validity window by more than the allowed skew.
	KindClockSkew

	// KindObsolete indicates a cached document has aged past the
	// tolerated staleness window.
	KindObsolete

	// KindInsufficientSignatures indicates the quorum checker could not
	// confirm enough good signatures from recognized authorities.
	KindInsufficientSignatures

	// KindNeedCerts indicates the quorum checker needs certificates not
	// currently held; this is a normal steady state, not a failure.
	KindNeedCerts

	// KindIoFailure indicates a persistence read or write failed.
	KindIoFailure

	// KindProtocolViolation indicates a structurally valid but
	// semantically forbidden document (unrequested descriptor, malformed
	// annotation).
	KindProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case KindBadParse:
		return "bad-parse"
	case KindWrongFlavor:
		return "wrong-flavor"
	case KindDuplicate:
		return "duplicate"
	case KindStale:
		return "stale"
	case KindClockSkew:
		return "clock-skew"
	case KindObsolete:
		return "obsolete"
	case KindInsufficientSignatures:
		return "insufficient-signatures"
	case KindNeedCerts:
		return "need-certs"
	case KindIoFailure:
		return "io-failure"
	case KindProtocolViolation:
		return "protocol-violation"
	default:
		return "none"
	}
}

// Error wraps a Kind with context, implementing the standard error
// interface and errors.Is/errors.As via Unwrap.
type Error struct {
	Kind Kind
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.err }

// Is reports whether target is the same Kind, so callers can write
// errors.Is(err, direrr.New(direrr.KindStale, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error of the given kind wrapping a lower-level
// cause, preserving it for errors.Unwrap/errors.As.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, err: cause}
}

// Sentinel errors for the Kinds that calling code commonly compares
// against directly with errors.Is, without constructing their own *Error.
var (
	ErrBadParse               = New(KindBadParse, "")
	ErrWrongFlavor            = New(KindWrongFlavor, "")
	ErrDuplicate              = New(KindDuplicate, "")
	ErrStale                  = New(KindStale, "")
	ErrClockSkew              = New(KindClockSkew, "")
	ErrObsolete               = New(KindObsolete, "")
	ErrInsufficientSignatures = New(KindInsufficientSignatures, "")
	ErrNeedCerts              = New(KindNeedCerts, "")
	ErrIoFailure              = New(KindIoFailure, "")
	ErrProtocolViolation      = New(KindProtocolViolation, "")
)

// IsMild reports whether kind is one of the "mild failure" classes from
// the propagation rule: drop the document but do not bump the
// download-failure counter (duplicate, stale, obsolete).
func IsMild(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindDuplicate, KindStale, KindObsolete:
		return true
	default:
		return false
	}
}

// IsHard reports whether kind is one of the "hard failure" classes that
// must bump the scheduler's download-failure counter (bad parse,
// confirmed insufficient signatures).
func IsHard(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindBadParse, KindInsufficientSignatures:
		return true
	default:
		return false
	}
}

// SetCurrentCode maps an error from set_current into the -1/-2/0 result
// code the propagation rule defines: 0 on success (install or park), -1
// for a mild drop, -2 for a hard failure. Callers translate <0 into a
// scheduler failure record.
func SetCurrentCode(err error) int {
	switch {
	case err == nil || errors.Is(err, ErrNeedCerts):
		return 0
	case IsHard(err):
		return -2
	default:
		return -1
	}
}
