// Package codes defines the reason codes shared by the binder, the server and
// the client.
//
// Failures are negative, warnings are positive and 0 means success. Every
// Code is also an error, so library calls return them directly (or wrapped
// with %w) and callers recover the integer with Of.
package codes

import (
	"errors"
	"fmt"
)

// Code is a reason code carried in *_FAILURE replies and returned by calls.
type Code int32

const (
	OK Code = 0

	WarnDuplicateFunction Code = 1

	ErrMissingEnv         Code = -1
	ErrAddrInfo           Code = -2
	ErrSocketCreate       Code = -3
	ErrSocketConnect      Code = -4
	ErrSocketBind         Code = -5
	ErrSocketListen       Code = -6
	ErrSocketSelect       Code = -7
	ErrSocketAccept       Code = -8
	ErrSocketName         Code = -9
	ErrHostname           Code = -10
	ErrMessageSend        Code = -11
	ErrMessageRecv        Code = -12
	ErrMissingFunction    Code = -13
	ErrFunctionCall       Code = -14
	ErrNotConnectedBinder Code = -15
	ErrServerNotRunning   Code = -16
	ErrLostBinder         Code = -17
	ErrRateLimited        Code = -18
	ErrTimeout            Code = -19
	ErrBadMessage         Code = -20
)

var names = map[Code]string{
	OK:                    "ok",
	WarnDuplicateFunction: "duplicate function registration",
	ErrMissingEnv:         "missing environment",
	ErrAddrInfo:           "address resolution failed",
	ErrSocketCreate:       "socket create failed",
	ErrSocketConnect:      "socket connect failed",
	ErrSocketBind:         "socket bind failed",
	ErrSocketListen:       "socket listen failed",
	ErrSocketSelect:       "socket select failed",
	ErrSocketAccept:       "socket accept failed",
	ErrSocketName:         "socket name failed",
	ErrHostname:           "hostname lookup failed",
	ErrMessageSend:        "message send failed",
	ErrMessageRecv:        "message receive failed",
	ErrMissingFunction:    "missing function",
	ErrFunctionCall:       "function call error",
	ErrNotConnectedBinder: "not connected to binder",
	ErrServerNotRunning:   "server not running",
	ErrLostBinder:         "lost binder connection",
	ErrRateLimited:        "rate limit exceeded",
	ErrTimeout:            "request timed out",
	ErrBadMessage:         "malformed message",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int32(c))
}

func (c Code) Error() string {
	return fmt.Sprintf("rpc: %s (%d)", c.String(), int32(c))
}

func (c Code) IsWarning() bool { return c > 0 }

func (c Code) IsFailure() bool { return c < 0 }

// IsTransport reports whether c describes a broken or unreachable
// connection rather than an answer from the peer.
func (c Code) IsTransport() bool {
	switch c {
	case ErrAddrInfo, ErrSocketCreate, ErrSocketConnect, ErrMessageSend, ErrMessageRecv:
		return true
	}
	return false
}

// Of maps an error returned by this module to its reason code.
// nil is OK; errors that carry no Code are reported as ErrMessageRecv.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return ErrMessageRecv
}
