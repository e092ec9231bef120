// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/cubefs/fsmeta/proto"
)

// Class groups errors by how callers must react to them.
type Class uint8

const (
	// ClassUser is a deterministic failure of the request itself.
	ClassUser Class = iota
	// ClassRetryable may succeed against another replica or later.
	ClassRetryable
	// ClassInvariant means shard state is inconsistent; the shard is isolated.
	ClassInvariant
	// ClassOperator is an invalid configuration or admin request.
	ClassOperator
)

type Error struct {
	code   uint32
	class  Class
	status int
	msg    string
}

func (e *Error) Error() string   { return e.msg }
func (e *Error) Code() uint32    { return e.code }
func (e *Error) Class() Class    { return e.class }
func (e *Error) StatusCode() int { return e.status }

var codes = make(map[uint32]*Error)

func newError(code uint32, class Class, status int, msg string) *Error {
	e := &Error{code: code, class: class, status: status, msg: msg}
	if _, ok := codes[code]; ok {
		panic(fmt.Sprintf("duplicate error code %d", code))
	}
	codes[code] = e
	return e
}

const (
	CodeNotFound = 1001 + iota
	CodeExist
	CodeNotDir
	CodeIsDir
	CodeNotEmpty
	CodeInvalidArgument
	CodeLocked
	CodeNotLocked
	CodeBusy
	CodeInvalidRename
	CodeNameTooLong
)

const (
	CodeNotLeader = 2001 + iota
	CodeNoLeader
	CodeTimeout
	CodeWrongShard
	CodeStaleReplica
	CodeOutOfOrder
	CodeShardNotFound
	CodeUnavailable
	CodeBackpressure
)

const (
	CodeInvariant = 3001 + iota
	CodeShardIsolated
)

const (
	CodeFenced = 4001 + iota
	CodeInvalidFence
	CodeSiteNotEnrolled
	CodeUnauthorized
	CodeInvalidConfig
)

var (
	ErrNotFound        = newError(CodeNotFound, ClassUser, http.StatusNotFound, "no such file or directory")
	ErrExist           = newError(CodeExist, ClassUser, http.StatusConflict, "file exists")
	ErrNotDir          = newError(CodeNotDir, ClassUser, http.StatusBadRequest, "not a directory")
	ErrIsDir           = newError(CodeIsDir, ClassUser, http.StatusBadRequest, "is a directory")
	ErrNotEmpty        = newError(CodeNotEmpty, ClassUser, http.StatusConflict, "directory not empty")
	ErrInvalidArgument = newError(CodeInvalidArgument, ClassUser, http.StatusBadRequest, "invalid argument")
	ErrLocked          = newError(CodeLocked, ClassUser, http.StatusConflict, "lock held by another holder")
	ErrNotLocked       = newError(CodeNotLocked, ClassUser, http.StatusConflict, "lock not held")
	ErrBusy            = newError(CodeBusy, ClassUser, http.StatusConflict, "entry is part of a pending rename")
	ErrInvalidRename   = newError(CodeInvalidRename, ClassUser, http.StatusBadRequest, "invalid rename")
	ErrNameTooLong     = newError(CodeNameTooLong, ClassUser, http.StatusBadRequest, "file name too long")

	ErrNotLeader     = newError(CodeNotLeader, ClassRetryable, http.StatusServiceUnavailable, "not leader")
	ErrNoLeader      = newError(CodeNoLeader, ClassRetryable, http.StatusServiceUnavailable, "no leader")
	ErrTimeout       = newError(CodeTimeout, ClassRetryable, http.StatusGatewayTimeout, "timeout, outcome unknown")
	ErrWrongShard    = newError(CodeWrongShard, ClassRetryable, http.StatusMisdirectedRequest, "entry belongs to another shard")
	ErrStaleReplica  = newError(CodeStaleReplica, ClassRetryable, http.StatusServiceUnavailable, "replica exceeds staleness bound")
	ErrOutOfOrder    = newError(CodeOutOfOrder, ClassRetryable, http.StatusConflict, "replication batch out of order")
	ErrShardNotFound = newError(CodeShardNotFound, ClassRetryable, http.StatusNotFound, "shard not found")
	ErrUnavailable   = newError(CodeUnavailable, ClassRetryable, http.StatusServiceUnavailable, "service unavailable")
	ErrBackpressure  = newError(CodeBackpressure, ClassRetryable, http.StatusTooManyRequests, "replication window full")

	ErrInvariant     = newError(CodeInvariant, ClassInvariant, http.StatusInternalServerError, "invariant violation")
	ErrShardIsolated = newError(CodeShardIsolated, ClassInvariant, http.StatusServiceUnavailable, "shard isolated")

	ErrFenced          = newError(CodeFenced, ClassOperator, http.StatusForbidden, "fence token rejected")
	ErrInvalidFence    = newError(CodeInvalidFence, ClassOperator, http.StatusBadRequest, "invalid fence request")
	ErrSiteNotEnrolled = newError(CodeSiteNotEnrolled, ClassOperator, http.StatusBadRequest, "site not enrolled")
	ErrUnauthorized    = newError(CodeUnauthorized, ClassOperator, http.StatusUnauthorized, "unauthorized admin action")
	ErrInvalidConfig   = newError(CodeInvalidConfig, ClassOperator, http.StatusBadRequest, "invalid configuration")
)

// detailError keeps the code of a typed error while carrying a reason.
type detailError struct {
	err    *Error
	reason string
	leader uint64
}

func (e *detailError) Error() string {
	if e.reason == "" {
		return e.err.msg
	}
	return e.err.msg + ": " + e.reason
}

func (e *detailError) Unwrap() error { return e.err }

// Reason attaches a descriptive reason to a typed error.
func Reason(err *Error, format string, a ...interface{}) error {
	return &detailError{err: err, reason: fmt.Sprintf(format, a...)}
}

// NotLeader returns ErrNotLeader with the known leader as hint.
func NotLeader(leader uint64) error {
	return &detailError{err: ErrNotLeader, leader: leader, reason: fmt.Sprintf("leader is %d", leader)}
}

// LeaderHint returns the leader carried by a not-leader error.
func LeaderHint(err error) uint64 {
	var d *detailError
	if stderrors.As(err, &d) {
		return d.leader
	}
	return 0
}

func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	e, ok := As(err)
	return ok && e.class == ClassRetryable
}

func IsInvariant(err error) bool {
	e, ok := As(err)
	return ok && e.class == ClassInvariant
}

func IsOperator(err error) bool {
	e, ok := As(err)
	return ok && e.class == ClassOperator
}

// Code returns the wire code of err, zero for nil.
func Code(err error) uint32 {
	if err == nil {
		return 0
	}
	if e, ok := As(err); ok {
		return e.code
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return CodeTimeout
	}
	return CodeUnavailable
}

// FromCode rebuilds a typed error from its wire form.
func FromCode(code uint32, msg string, leader uint64) error {
	if code == 0 {
		return nil
	}
	e, ok := codes[code]
	if !ok {
		return fmt.Errorf("unknown error code %d: %s", code, msg)
	}
	d := &detailError{err: e, leader: leader}
	if msg != e.msg {
		d.reason = msg
	}
	return d
}

func ToInfo(err error) *proto.ErrorInfo {
	if err == nil {
		return nil
	}
	return &proto.ErrorInfo{Code: Code(err), Message: reasonOf(err), Leader: LeaderHint(err)}
}

func FromInfo(info *proto.ErrorInfo) error {
	if info == nil {
		return nil
	}
	return FromCode(info.Code, info.Message, info.Leader)
}

func reasonOf(err error) string {
	var d *detailError
	if stderrors.As(err, &d) && d.reason != "" {
		return d.reason
	}
	return err.Error()
}

// HTTPStatus maps err to a status code for the admin api.
func HTTPStatus(err error) int {
	if e, ok := As(err); ok {
		return e.status
	}
	return http.StatusInternalServerError
}
