// Package rpcerr defines the rap error taxonomy (spec §6, §7), ported from
// the teacher's plain-string RPCMessage.Error field into typed errors, the
// way rap/common/exceptions.py's BaseRapError hierarchy works in the
// original Python implementation.
package rpcerr

import (
	"errors"
	"fmt"
)

// Status codes, spec §6. Every error class carries one plus a default
// message; Extra augments it (spec §7).
const (
	CodeAuthError          = 401
	CodeFuncNotFoundError  = 402
	CodeTooManyRequest     = 403
	CodeRPCError           = 500
	CodeLifeCycleError     = 501
	CodeParseError         = 502
	CodeProtocolError      = 503
	CodeRegisteredError    = 504
	CodeRpcRunTimeError    = 505
	CodeServerError        = 506
	CodeCryptoError        = 507
	CodeChannelError       = 508
)

// Error is the concrete error type carried over the wire in
// SERVER_ERROR_RESPONSE bodies as (exc_name, exc_info).
type Error struct {
	Code    int
	Name    string
	Message string
	Extra   string
}

func (e *Error) Error() string {
	if e.Extra != "" {
		return fmt.Sprintf("%s: %s. %s", e.Name, e.Message, e.Extra)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func newError(code int, name, message, extra string) *Error {
	if message == "" {
		message = defaultMessages[code]
	}
	return &Error{Code: code, Name: name, Message: message, Extra: extra}
}

var defaultMessages = map[int]string{
	CodeAuthError:         "Auth Error",
	CodeFuncNotFoundError: "Not found func",
	CodeTooManyRequest:    "This user has exceeded an allotted request count. Try again later.",
	CodeRPCError:          "Rpc error",
	CodeLifeCycleError:    "Life cycle error",
	CodeParseError:        "Parse error",
	CodeProtocolError:     "Invalid protocol",
	CodeRegisteredError:   "Register Error",
	CodeRpcRunTimeError:   "Rpc run time error",
	CodeServerError:       "Server error",
	CodeCryptoError:       "crypto error",
	CodeChannelError:      "Channel Error",
}

func NewAuthError(extra string) *Error         { return newError(CodeAuthError, "AuthError", "", extra) }
func NewFuncNotFoundError(extra string) *Error { return newError(CodeFuncNotFoundError, "FuncNotFoundError", "", extra) }
func NewTooManyRequestError(extra string) *Error {
	return newError(CodeTooManyRequest, "TooManyRequest", "", extra)
}
func NewRPCError(extra string) *Error        { return newError(CodeRPCError, "RPCError", "", extra) }
func NewLifeCycleError(extra string) *Error  { return newError(CodeLifeCycleError, "LifeCycleError", "", extra) }
func NewParseError(extra string) *Error      { return newError(CodeParseError, "ParseError", "", extra) }
func NewProtocolError(extra string) *Error   { return newError(CodeProtocolError, "ProtocolError", "", extra) }
func NewRegisteredError(extra string) *Error { return newError(CodeRegisteredError, "RegisteredError", "", extra) }
func NewRpcRunTimeError(extra string) *Error {
	return newError(CodeRpcRunTimeError, "RpcRunTimeError", "", extra)
}
func NewServerError(extra string) *Error  { return newError(CodeServerError, "ServerError", "", extra) }
func NewCryptoError(extra string) *Error  { return newError(CodeCryptoError, "CryptoError", "", extra) }
func NewChannelError(extra string) *Error { return newError(CodeChannelError, "ChannelError", "", extra) }

// byCode drives client-side reconstruction of a typed error from a
// SERVER_ERROR_RESPONSE status_code, mirroring
// rap.client.utils.get_exc_status_code_dict.
var byCode = map[int]func(name, extra string) *Error{
	CodeAuthError:         func(n, e string) *Error { return newError(CodeAuthError, n, "", e) },
	CodeFuncNotFoundError: func(n, e string) *Error { return newError(CodeFuncNotFoundError, n, "", e) },
	CodeTooManyRequest:    func(n, e string) *Error { return newError(CodeTooManyRequest, n, "", e) },
	CodeRPCError:          func(n, e string) *Error { return newError(CodeRPCError, n, "", e) },
	CodeLifeCycleError:    func(n, e string) *Error { return newError(CodeLifeCycleError, n, "", e) },
	CodeParseError:        func(n, e string) *Error { return newError(CodeParseError, n, "", e) },
	CodeProtocolError:     func(n, e string) *Error { return newError(CodeProtocolError, n, "", e) },
	CodeRegisteredError:   func(n, e string) *Error { return newError(CodeRegisteredError, n, "", e) },
	CodeRpcRunTimeError:   func(n, e string) *Error { return newError(CodeRpcRunTimeError, n, "", e) },
	CodeServerError:       func(n, e string) *Error { return newError(CodeServerError, n, "", e) },
	CodeCryptoError:       func(n, e string) *Error { return newError(CodeCryptoError, n, "", e) },
	CodeChannelError:      func(n, e string) *Error { return newError(CodeChannelError, n, "", e) },
}

// FromStatusCode reconstructs a typed *Error for a given status code, or
// falls back to RpcRunTimeError when the code is unrecognized — mirroring
// the "user_agent doesn't match -> RpcRunTimeError" fallback in spec §7.
func FromStatusCode(code int, name, extra string) *Error {
	if ctor, ok := byCode[code]; ok {
		return ctor(name, extra)
	}
	return NewRpcRunTimeError(extra)
}

// ErrIgnoreNextProcessor is raised by a processor hook to short-circuit the
// remaining chain at that stage only (spec §4.5).
var ErrIgnoreNextProcessor = errors.New("rpcerr: ignore next processor")

// ErrCloseConn is delivered to every pending future/channel queue when the
// connection is closed (spec §4.2, §4.3).
var ErrCloseConn = errors.New("rpcerr: connection closed")

// As is a small convenience wrapper around errors.As for *Error, used at
// call sites that need the status code without importing "errors"
// themselves.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
