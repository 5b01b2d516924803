// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mLink clients.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrTimeout indicates a request or transmission timeout.
	ErrTimeout = errors.New("timeout")

	// ErrNotConnected indicates the client is not connected.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrReset indicates the peer rejected a message with a Reset.
	ErrReset = errors.New("reset by peer")

	// ErrCanceled indicates the request was canceled.
	ErrCanceled = errors.New("request canceled")

	// ErrUnexpectedResponse indicates a response that violates the protocol.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrMessageTooLarge indicates a message exceeds the configured size limit.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrTooManyBlocks indicates a block-wise transfer exceeds the body size limit.
	ErrTooManyBlocks = errors.New("too many blocks")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInvalidConfig indicates invalid client configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ClientError wraps an error with the client operation context.
type ClientError struct {
	Op       string // Operation that failed (connect, request, observe, send)
	Scheme   string // Transport scheme (udp, dtls, tcp, ws, wss)
	Endpoint string // Server address
	Err      error  // Underlying error
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Scheme, e.Op, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Scheme, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ClientError) Unwrap() error {
	return e.Err
}

// New creates a new ClientError.
func New(op, scheme, endpoint string, err error) error {
	if err == nil {
		return nil
	}
	return &ClientError{
		Op:       op,
		Scheme:   scheme,
		Endpoint: endpoint,
		Err:      err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
