// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package bio describes the block I/O requests travelling between a gateway
// and a storage backend, together with the errno valued codes they complete
// with. Richer errors are used internally and flattened to ErrorCode only at
// the response boundary.
package bio

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorCode is a platform errno value. Zero means success. Backends may
// return it directly as an error and it reaches the gateway unchanged.
type ErrorCode int32

const (
	OK         ErrorCode = 0
	EPERM                = ErrorCode(syscall.EPERM)
	EIO                  = ErrorCode(syscall.EIO)
	ENXIO                = ErrorCode(syscall.ENXIO)
	ENOMEM               = ErrorCode(syscall.ENOMEM)
	EINVAL               = ErrorCode(syscall.EINVAL)
	ENOSPC               = ErrorCode(syscall.ENOSPC)
	EOPNOTSUPP           = ErrorCode(syscall.EOPNOTSUPP)
	ECANCELED            = ErrorCode(syscall.ECANCELED)
)

func (c ErrorCode) Error() string {
	return syscall.Errno(c).Error()
}

// Error taxonomy. Only ErrGeometry is fatal, and only to unit creation.
// Everything else is scoped to a single request.
var (
	ErrProtocol     = errors.New("protocol error")
	ErrGeometry     = errors.New("invalid geometry")
	ErrAccess       = errors.New("access violation")
	ErrAlignment    = errors.New("unaligned request")
	ErrBounds       = errors.New("request out of bounds")
	ErrBackend      = errors.New("backend error")
	ErrBackendFault = errors.New("backend fault")
	ErrUnknownUnit  = errors.New("unknown unit")
	ErrUnsupported  = errors.New("operation not supported")
)

// Error binds a taxonomy kind to the errno it is reported with.
type Error struct {
	Kind error
	Code ErrorCode
	Op   string
	Err  error
}

// Errorf returns an Error of the given kind with a formatted cause.
func Errorf(kind error, code ErrorCode, op string, format string, args ...interface{}) *Error {
	return &Error{
		Kind: kind,
		Code: code,
		Op:   op,
		Err:  fmt.Errorf(format, args...),
	}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// CodeOf flattens err to the errno reported to the gateway. Codes carried by
// the error chain are kept verbatim, anything else becomes EIO.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return OK
	}

	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}

	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return ErrorCode(errno)
	}

	return EIO
}

// KindOf returns the taxonomy kind of err, nil for success and ErrBackend for
// errors that carry no kind.
func KindOf(err error) error {
	if err == nil {
		return nil
	}

	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}

	return ErrBackend
}
