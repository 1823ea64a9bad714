package x402

import (
	"errors"
	"fmt"

	"zkpredator/internal/budget"
)

var (
	ErrUnknownResource  = errors.New("unknown resource")
	ErrTransport        = errors.New("transport error")
	ErrUnexpectedStatus = errors.New("unexpected status")
	ErrInvalidTerms     = errors.New("invalid payment terms")
	ErrBudgetExceeded   = budget.ErrBudgetExceeded
	ErrPaymentFailed    = errors.New("payment failed")
	ErrStillLocked      = errors.New("resource still locked after payment")
	ErrMalformedReport  = errors.New("malformed report")
	ErrSchemaViolation  = errors.New("report schema violation")
)

// Stage 标记协商在哪个阶段失败。
type Stage string

const (
	StageInitial   Stage = "initial"
	StageNegotiate Stage = "negotiate"
	StagePay       Stage = "pay"
	StageRetry     Stage = "retry"
	StageDecode    Stage = "decode"
)

// Error 是一次付费资源请求的失败结果，Err 为上面的哨兵错误之一。
type Error struct {
	Resource string
	Stage    Stage
	Status   int
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("x402 %s [%s]: %v", e.Resource, e.Stage, e.Err)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status=%d)", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(resource string, stage Stage, status int, sentinel error, reason string) *Error {
	return &Error{Resource: resource, Stage: stage, Status: status, Reason: reason, Err: sentinel}
}
