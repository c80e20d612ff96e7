// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vfserrors defines the abstract error taxonomy shared by every
// path-level operation in the core, each kind mapping to a POSIX errno for
// the kernel boundary.
package vfserrors

import (
	"fmt"
	"syscall"
)

// Kind classifies a failure independent of any particular operation.
type Kind int

const (
	// NotFound corresponds to ENOENT.
	NotFound Kind = iota
	// AlreadyExists corresponds to EEXIST.
	AlreadyExists
	// NotADirectory corresponds to ENOTDIR.
	NotADirectory
	// IsADirectory corresponds to EISDIR.
	IsADirectory
	// SymlinkLoop corresponds to ELOOP.
	SymlinkLoop
	// CrossDeviceLink corresponds to EXDEV.
	CrossDeviceLink
	// PermissionDenied corresponds to EPERM.
	PermissionDenied
	// InvalidArgument corresponds to EINVAL.
	InvalidArgument
	// Domain marks an initialization failure, e.g. an unresolvable commit.
	Domain
	// ImporterFailure marks a transient failure surfaced unwrapped from the
	// importer collaborator.
	ImporterFailure
)

var errnoByKind = map[Kind]syscall.Errno{
	NotFound:         syscall.ENOENT,
	AlreadyExists:    syscall.EEXIST,
	NotADirectory:    syscall.ENOTDIR,
	IsADirectory:     syscall.EISDIR,
	SymlinkLoop:      syscall.ELOOP,
	CrossDeviceLink:  syscall.EXDEV,
	PermissionDenied: syscall.EPERM,
	InvalidArgument:  syscall.EINVAL,
}

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case NotADirectory:
		return "NotADirectory"
	case IsADirectory:
		return "IsADirectory"
	case SymlinkLoop:
		return "SymlinkLoop"
	case CrossDeviceLink:
		return "CrossDeviceLink"
	case PermissionDenied:
		return "PermissionDenied"
	case InvalidArgument:
		return "InvalidArgument"
	case Domain:
		return "Domain"
	case ImporterFailure:
		return "ImporterFailure"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the concrete error type carried through every operation's result.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the wrapped error, if any, to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errno maps the error's Kind to a POSIX errno suitable for returning to the
// kernel transport. Kinds with no direct errno (Domain, ImporterFailure)
// surface as EIO.
func (e *Error) Errno() syscall.Errno {
	if errno, ok := errnoByKind[e.Kind]; ok {
		return errno
	}
	return syscall.EIO
}

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind around an existing error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == kind
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
