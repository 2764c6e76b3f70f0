// Package apperrors defines the error kinds shared by every windline component.
// Each kind carries a retry classification that the job queue consults.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	KindParse        Kind = "parse"
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindUpstream     Kind = "upstream"
	KindRender       Kind = "render"
	KindQuota        Kind = "quota"
	KindDataNotReady Kind = "data_not_ready"
	KindInternal     Kind = "internal"
)

// Sentinels usable with errors.Is.
var (
	ErrParse        = &Error{Kind: KindParse}
	ErrValidation   = &Error{Kind: KindValidation}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrUpstream     = &Error{Kind: KindUpstream}
	ErrRender       = &Error{Kind: KindRender}
	ErrQuota        = &Error{Kind: KindQuota}
	ErrDataNotReady = &Error{Kind: KindDataNotReady}
)

// Error is a classified application error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
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

func newError(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Parse(op, msg string, err error) *Error { return newError(KindParse, op, msg, err) }
func Validation(op, msg string) *Error { return newError(KindValidation, op, msg, nil) }
func NotFound(op, msg string) *Error { return newError(KindNotFound, op, msg, nil) }
func Upstream(op, msg string, err error) *Error { return newError(KindUpstream, op, msg, err) }
func Render(op, msg string, err error) *Error { return newError(KindRender, op, msg, err) }
func Quota(op, msg string) *Error { return newError(KindQuota, op, msg, nil) }
func DataNotReady(op, msg string) *Error { return newError(KindDataNotReady, op, msg, nil) }
func Internal(op, msg string, err error) *Error { return newError(KindInternal, op, msg, err) }

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether a queued job failing with err should be attempted again.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindUpstream, KindRender, KindInternal:
		return true
	default:
		return false
	}
}
