package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCode is the spec.md §7 error taxonomy.
type ErrCode int

const (
	ErrNotInit ErrCode = iota + 1
	ErrBadArg
	ErrResource
	ErrRawMsg
	ErrRDMA
)

func (c ErrCode) String() string {
	switch c {
	case ErrNotInit:
		return "NOT_INIT"
	case ErrBadArg:
		return "BAD_ARG"
	case ErrResource:
		return "RESOURCE"
	case ErrRawMsg:
		return "RAW_MSG"
	case ErrRDMA:
		return "RDMA"
	default:
		return "UNKNOWN"
	}
}

// TypedError is returned by every API-level call that fails; in-handler
// and in-completion failures never produce a TypedError -- they are fatal
// and routed through package exit's last-ditch path instead (see §7).
type TypedError struct {
	Code ErrCode
	Op   string
	Err  error
}

func (e *TypedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gasnet: %s: %s: %v", e.Code, e.Op, e.Err)
	}
	return fmt.Sprintf("gasnet: %s: %s", e.Code, e.Op)
}

func (e *TypedError) Unwrap() error { return e.Err }

func NewErr(code ErrCode, op string, err error) *TypedError {
	return &TypedError{Code: code, Op: op, Err: err}
}

func NewErrNotInit(op string) *TypedError    { return NewErr(ErrNotInit, op, nil) }
func NewErrBadArg(op string, err error) *TypedError {
	return NewErr(ErrBadArg, op, err)
}
func NewErrResource(op string, err error) *TypedError {
	return NewErr(ErrResource, op, err)
}
func NewErrRawMsg(op string, err error) *TypedError { return NewErr(ErrRawMsg, op, err) }
func NewErrRDMA(op string, err error) *TypedError   { return NewErr(ErrRDMA, op, err) }

// IsErrCode reports whether err (possibly wrapped) carries the given code.
func IsErrCode(err error, code ErrCode) bool {
	var te *TypedError
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}
