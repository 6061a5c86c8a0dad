// Copyright 2018 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package core defines the error taxonomy shared by the service host, its
// handlers and its clients.
// This file uses the errcode package to define the host specific error codes.
package core

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pingcap/errcode"
	"github.com/pingcap/errors"
)

var (
	// ConfigurationErrorCode is returned when the host is built with invalid settings.
	ConfigurationErrorCode = errcode.InvalidInputCode.Child("input.config")
	// UnknownCommandCode is returned for a command code no handler is bound to.
	UnknownCommandCode = errcode.InvalidInputCode.Child("input.command")
	// UnsupportedCode is returned for commands owned by a collaborator this host does not run.
	UnsupportedCode = errcode.InvalidInputCode.Child("input.unsupported").SetHTTP(http.StatusNotImplemented)

	// ConnectionErrorCode is a gateway that could not be reached. It is retried, never fatal.
	ConnectionErrorCode = errcode.InternalCode.Child("internal.connection").SetHTTP(http.StatusBadGateway)
	// HandlerExceptionCode is any uncaught failure inside a request handler.
	HandlerExceptionCode = errcode.InternalCode.Child("internal.handler")

	lockStateCode = errcode.StateCode.Child("state.lock")
	// LockTimeoutCode is a key held by another transaction past the wait deadline. Retryable.
	LockTimeoutCode = lockStateCode.Child("state.lock.timeout").SetHTTP(http.StatusConflict)
	// LockNotOwnedCode is an unlock attempted by a transaction that does not hold the key.
	LockNotOwnedCode = lockStateCode.Child("state.lock.notowned")

	transactionStateCode = errcode.StateCode.Child("state.transaction")
	// TransactionFinalizedCode is an attempt to extend a transaction that was already committed or rolled back.
	TransactionFinalizedCode = transactionStateCode.Child("state.transaction.finalized").SetHTTP(http.StatusGone)
	// TransactionNotFoundCode is a commit or rollback for an id this host never saw.
	TransactionNotFoundCode = errcode.NotFoundCode.Child("missing.transaction")

	// ServiceNotFoundCode is an invoke for a service name that is not registered.
	ServiceNotFoundCode = errcode.NotFoundCode.Child("missing.service")
	// MethodNotFoundCode is an invoke for a method the service does not expose.
	MethodNotFoundCode = errcode.NotFoundCode.Child("missing.method")

	// ServerBusyCode is a request refused by the request rate limit. Retryable.
	ServerBusyCode = errcode.StateCode.Child("state.busy").SetHTTP(http.StatusServiceUnavailable)

	serviceStateCode = errcode.StateCode.Child("state.service")
	// ServiceDisabledCode is an invoke for a registered service that is switched off.
	ServiceDisabledCode = serviceStateCode.Child("state.service.disabled").SetHTTP(http.StatusServiceUnavailable)
)

var _ errcode.ErrorCode = (*ConfigurationErr)(nil)        // assert implements interface
var _ errcode.ErrorCode = (*LockTimeoutErr)(nil)          // assert implements interface
var _ errcode.ErrorCode = (*LockNotOwnedErr)(nil)         // assert implements interface
var _ errcode.ErrorCode = (*TransactionFinalizedErr)(nil) // assert implements interface
var _ errcode.ErrorCode = (*TransactionNotFoundErr)(nil)  // assert implements interface
var _ errcode.ErrorCode = (*ServiceNotFoundErr)(nil)      // assert implements interface
var _ errcode.ErrorCode = (*MethodNotFoundErr)(nil)       // assert implements interface
var _ errcode.ErrorCode = (*ServiceDisabledErr)(nil)      // assert implements interface
var _ errcode.ErrorCode = (*UnknownCommandErr)(nil)       // assert implements interface

// ConfigurationErr is returned by Build for an unusable configuration.
type ConfigurationErr struct {
	Reason string `json:"reason"`
}

func (e ConfigurationErr) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// Code returns ConfigurationErrorCode
func (e ConfigurationErr) Code() errcode.Code { return ConfigurationErrorCode }

// LockErr can be newtyped or embedded in your own error
type LockErr struct {
	Key   string `json:"key"`
	TxnID string `json:"txnId"`
}

// LockTimeoutErr is a key that stayed locked by another transaction until the deadline.
type LockTimeoutErr LockErr

func (e LockTimeoutErr) Error() string {
	return fmt.Sprintf("transaction %s timed out waiting for key %q", e.TxnID, e.Key)
}

// Code returns LockTimeoutCode
func (e LockTimeoutErr) Code() errcode.Code { return LockTimeoutCode }

// LockNotOwnedErr is an unlock by a transaction that does not hold the key.
type LockNotOwnedErr struct {
	LockErr
	Holder string `json:"holder"`
}

func (e LockNotOwnedErr) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("key %q is not locked, transaction %s cannot unlock it", e.Key, e.TxnID)
	}
	return fmt.Sprintf("key %q is held by %s, not by %s", e.Key, e.Holder, e.TxnID)
}

// Code returns LockNotOwnedCode
func (e LockNotOwnedErr) Code() errcode.Code { return LockNotOwnedCode }

// TransactionErr can be newtyped or embedded in your own error
type TransactionErr struct {
	TxnID string `json:"txnId"`
}

// TransactionFinalizedErr is returned when actions or keys are added to a finalized transaction.
type TransactionFinalizedErr TransactionErr

func (e TransactionFinalizedErr) Error() string {
	return fmt.Sprintf("transaction %s is already finalized", e.TxnID)
}

// Code returns TransactionFinalizedCode
func (e TransactionFinalizedErr) Code() errcode.Code { return TransactionFinalizedCode }

// TransactionNotFoundErr is a transaction id without any record on this host.
type TransactionNotFoundErr TransactionErr

func (e TransactionNotFoundErr) Error() string {
	return fmt.Sprintf("transaction %s not found", e.TxnID)
}

// Code returns TransactionNotFoundCode
func (e TransactionNotFoundErr) Code() errcode.Code { return TransactionNotFoundCode }

// ServiceErr can be newtyped or embedded in your own error
type ServiceErr struct {
	Service string `json:"service"`
}

// ServiceNotFoundErr is an unknown service name.
type ServiceNotFoundErr ServiceErr

func (e ServiceNotFoundErr) Error() string {
	return fmt.Sprintf("service %s not found", e.Service)
}

// Code returns ServiceNotFoundCode
func (e ServiceNotFoundErr) Code() errcode.Code { return ServiceNotFoundCode }

// ServiceDisabledErr is a registered service that is currently disabled.
type ServiceDisabledErr ServiceErr

func (e ServiceDisabledErr) Error() string {
	return fmt.Sprintf("service %s is disabled", e.Service)
}

// Code returns ServiceDisabledCode
func (e ServiceDisabledErr) Code() errcode.Code { return ServiceDisabledCode }

// MethodNotFoundErr is a method the service does not expose.
type MethodNotFoundErr struct {
	ServiceErr
	Method string `json:"method"`
}

func (e MethodNotFoundErr) Error() string {
	return fmt.Sprintf("method %s not found in service %s", e.Method, e.Service)
}

// Code returns MethodNotFoundCode
func (e MethodNotFoundErr) Code() errcode.Code { return MethodNotFoundCode }

// UnknownCommandErr is a command code with no handler bound to it.
type UnknownCommandErr struct {
	Command int `json:"command"`
}

func (e UnknownCommandErr) Error() string {
	return fmt.Sprintf("unknown command %d", e.Command)
}

// Code returns UnknownCommandCode
func (e UnknownCommandErr) Code() errcode.Code { return UnknownCommandCode }

// NewUnsupportedErr wraps err with UnsupportedCode.
func NewUnsupportedErr(err error) errcode.ErrorCode {
	return errcode.NewCodedError(err, UnsupportedCode)
}

// NewServerBusyErr wraps err with ServerBusyCode.
func NewServerBusyErr(err error) errcode.ErrorCode {
	return errcode.NewCodedError(err, ServerBusyCode)
}

// NewConnectionErr wraps a gateway I/O failure with ConnectionErrorCode.
func NewConnectionErr(err error) errcode.ErrorCode {
	return errcode.NewCodedError(err, ConnectionErrorCode)
}

// NewHandlerExceptionErr wraps an uncaught handler failure with HandlerExceptionCode.
func NewHandlerExceptionErr(err error) errcode.ErrorCode {
	return errcode.NewCodedError(err, HandlerExceptionCode)
}

// CodeOf returns the code attached to err, InternalCode when there is none.
func CodeOf(err error) errcode.Code {
	if chain := errcode.CodeChain(err); chain != nil {
		return chain.Code()
	}
	return errcode.InternalCode
}

// IsCode reports whether err carries code or one of its descendants. Errors
// decoded from a peer are matched by their code string.
func IsCode(err error, code errcode.Code) bool {
	if err == nil {
		return false
	}
	if remote, ok := errors.Cause(err).(*RemoteError); ok {
		return remote.Is(code)
	}
	chain := errcode.CodeChain(err)
	if chain == nil {
		return false
	}
	return hasCodePrefix(chain.Code().CodeStr(), code.CodeStr())
}

// IsInternal reports whether err is a failure of the host itself rather than of the request. Errors without a code
// are internal.
func IsInternal(err error) bool {
	return err != nil && hasCodePrefix(CodeOf(err).CodeStr(), errcode.InternalCode.CodeStr())
}

func hasCodePrefix(got, want errcode.CodeStr) bool {
	return got == want || strings.HasPrefix(string(got), string(want)+".")
}

// RemoteError is a coded error decoded from a peer's response.
type RemoteError struct {
	CodeStr errcode.CodeStr `json:"code"`
	Msg     string          `json:"msg"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("[%s] %s", e.CodeStr, e.Msg)
}

// Is reports whether the remote code equals code or descends from it.
func (e *RemoteError) Is(code errcode.Code) bool {
	return hasCodePrefix(e.CodeStr, code.CodeStr())
}
