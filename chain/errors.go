package chain

import (
	"fmt"
)

type Kind uint8

const (
	// KindFailed means the call or send never produced a transaction.
	KindFailed Kind = iota
	// KindPending means the transaction was submitted but not confirmed in time.
	KindPending
	// KindReverted means the transaction was mined with status 0.
	KindReverted
)

func (k Kind) String() string {
	switch k {
	case KindPending:
		return "pending"
	case KindReverted:
		return "reverted"
	default:
		return "failed"
	}
}

// Error is returned by every gateway call that did not complete.
type Error struct {
	Op    string
	Kind  Kind
	TxRef string
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("chain %s %s", e.Op, e.Kind)
	if e.TxRef != "" {
		msg += " (tx " + e.TxRef + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Pending reports a submitted transaction whose outcome is still unknown.
func (e *Error) Pending() bool {
	return e.Kind == KindPending
}

func failed(op string, err error) *Error {
	return &Error{Op: op, Kind: KindFailed, Err: err}
}
