package simrpc

import (
	"errors"
	"fmt"
)

// Code is an RPC status code, numbered like gRPC's.
type Code int

const (
	OK               Code = 0
	Cancelled        Code = 1
	Unknown          Code = 2
	InvalidArgument  Code = 3
	DeadlineExceeded Code = 4
	NotFound         Code = 5
	Internal         Code = 13
	Unavailable      Code = 14
	Unimplemented    Code = 12
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case Cancelled:
		return "Cancelled"
	case Unknown:
		return "Unknown"
	case InvalidArgument:
		return "InvalidArgument"
	case DeadlineExceeded:
		return "DeadlineExceeded"
	case NotFound:
		return "NotFound"
	case Unimplemented:
		return "Unimplemented"
	case Internal:
		return "Internal"
	case Unavailable:
		return "Unavailable"
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Status is the error an RPC fails with. Handlers may
// return one to pick the code the caller sees.
type Status struct {
	Code    Code
	Message string
}

func (s *Status) Error() string {
	return fmt.Sprintf("rpc error: code = %v desc = %v", s.Code, s.Message)
}

func Errorf(code Code, format string, a ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, a...)}
}

// CodeOf reports the code of err: OK for nil, the
// Status code for a *Status, Unknown otherwise.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var s *Status
	if errors.As(err, &s) {
		return s.Code
	}
	return Unknown
}
