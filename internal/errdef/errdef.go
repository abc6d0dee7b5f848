package errdef

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeTransport  Code = "transport"
	CodeBridge     Code = "bridge"
	CodeScript     Code = "script"
	CodeConfig     Code = "config"
	CodeFilesystem Code = "filesystem"
	CodeHistory    Code = "history"
	CodeCollection Code = "collection"
)

// Kind narrows a Code to one of the failure shapes callers branch on.
type Kind string

const (
	KindNone Kind = ""

	KindConnectTimeout Kind = "ConnectTimeout"
	KindSendTimeout    Kind = "SendTimeout"
	KindReceiveTimeout Kind = "ReceiveTimeout"
	KindRefused        Kind = "Refused"
	KindOpenFailed     Kind = "OpenFailed"
	KindSendFailed     Kind = "SendFailed"

	KindNoHandler     Kind = "NoHandler"
	KindBridgeTimeout Kind = "BridgeTimeout"

	KindTimeout     Kind = "Timeout"
	KindScriptThrew Kind = "ScriptThrew"
)

type Error struct {
	Code    Code
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NewKind(code Code, kind Kind, format string, args ...any) error {
	return &Error{Code: code, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WrapKind keeps the kind of err when it already carries one and kind is empty.
func WrapKind(code Code, kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if kind == KindNone {
		kind = KindOf(err)
	}
	return &Error{Code: code, Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf returns the outermost non-empty kind in the chain.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return KindNone
		}
		if e.Kind != KindNone {
			return e.Kind
		}
		err = e.Err
	}
	return KindNone
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
