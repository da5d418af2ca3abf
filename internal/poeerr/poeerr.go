// Package poeerr defines the rejection taxonomy shared by the prover, the
// verifier, the registry and the minting ledger.
//
// Every error returned across a package boundary is a *Error carrying a Kind.
// Callers branch on the kind with errors.Is against the sentinel values:
//
//	if errors.Is(err, poeerr.ErrReplayDetected) { ... }
//
// and decide whether to retry with Retryable.
package poeerr

import (
	"errors"
	"fmt"
)

// Kind classifies a rejection.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAssignmentMissing
	KindInvalidProof
	KindReplayDetected
	KindNotAuthorized
	KindInsufficientAmount
	KindExternalVerificationFailed
	KindInvalidArgument
	KindNotFound
	KindConflict
)

var kindNames = map[Kind]string{
	KindUnknown:                    "unknown",
	KindAssignmentMissing:          "assignment_missing",
	KindInvalidProof:               "invalid_proof",
	KindReplayDetected:             "replay_detected",
	KindNotAuthorized:              "not_authorized",
	KindInsufficientAmount:         "insufficient_amount",
	KindExternalVerificationFailed: "external_verification_failed",
	KindInvalidArgument:            "invalid_argument",
	KindNotFound:                   "not_found",
	KindConflict:                   "conflict",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Sentinels for errors.Is. They carry no operation or cause.
var (
	ErrAssignmentMissing          = &Error{Kind: KindAssignmentMissing}
	ErrInvalidProof               = &Error{Kind: KindInvalidProof}
	ErrReplayDetected             = &Error{Kind: KindReplayDetected}
	ErrNotAuthorized              = &Error{Kind: KindNotAuthorized}
	ErrInsufficientAmount         = &Error{Kind: KindInsufficientAmount}
	ErrExternalVerificationFailed = &Error{Kind: KindExternalVerificationFailed}
	ErrInvalidArgument            = &Error{Kind: KindInvalidArgument}
	ErrNotFound                   = &Error{Kind: KindNotFound}
	ErrConflict                   = &Error{Kind: KindConflict}
)

// Error is a classified rejection.
type Error struct {
	Kind Kind
	Op   string // operation that rejected, e.g. "mint.replay_guard"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels compare by kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error with a formatted cause.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the caller may resubmit the same request.
// Only failures of the external payment collaborator are transient; proof,
// authorization and replay rejections are permanent.
func Retryable(err error) bool {
	return KindOf(err) == KindExternalVerificationFailed
}
