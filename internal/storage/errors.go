package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"
)

// Class groups storage failures by how callers should react to them.
type Class int

const (
	// ClassOther is any failure without a more specific class.
	ClassOther Class = iota
	// ClassOperational is a connection-level failure; the transaction is
	// unusable and must be rolled back.
	ClassOperational
	// ClassConflict is a serialization or write-write conflict that can be
	// retried from the start of the transaction.
	ClassConflict
)

func (c Class) String() string {
	switch c {
	case ClassOperational:
		return "operational"
	case ClassConflict:
		return "conflict"
	default:
		return "other"
	}
}

// ClassifiedError carries the class a backend assigned to an error.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// WithClass wraps err with class c. A nil err stays nil.
func WithClass(c Class, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: c, Err: err}
}

// Classify returns the class of err. Backend classifications win; otherwise
// connection-level errors common to every driver are operational.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, context.DeadlineExceeded) {
		return ClassOperational
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassOperational
	}
	return ClassOther
}

func IsOperational(err error) bool { return Classify(err) == ClassOperational }
func IsConflict(err error) bool    { return Classify(err) == ClassConflict }
