package wopi

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DocStore is the persistence contract for documents. Implementations
// are responsible for durable storage only; write serialisation between
// editing sessions is handled by the lock manager upstream.
type DocStore interface {
	// Get returns the document with the given ID, or an error with
	// the code ErrCodeNotFound.
	Get(ctx context.Context, fileID string) (*Document, error)
	// Put replaces the content of an existing document and advances
	// its version.
	Put(ctx context.Context, fileID string, content []byte) (*Document, error)
	// Create allocates a new document with a unique ID.
	Create(
		ctx context.Context, name string, content []byte, owner string,
	) (*Document, error)
	// Rename changes the display name of a document. The version
	// advances as the name is part of the observable document state.
	Rename(ctx context.Context, fileID string, name string) (*Document, error)
}

// Document is a stored file together with the metadata that the WOPI
// endpoints expose.
type Document struct {
	ID       string
	Name     string
	Content  []byte
	Size     int64
	Version  string
	Modified time.Time
	Owner    string
}

type DocStoreErrorCode string

const (
	NoErrCode         DocStoreErrorCode = ""
	ErrCodeNotFound   DocStoreErrorCode = "not-found"
	ErrCodeExists     DocStoreErrorCode = "exists"
	ErrCodeBadRequest DocStoreErrorCode = "bad-request"
)

type DocStoreError struct {
	cause error
	code  DocStoreErrorCode
	msg   string
}

func DocStoreErrorf(code DocStoreErrorCode, format string, a ...any) error {
	e := fmt.Errorf(format, a...)

	return DocStoreError{
		cause: errors.Unwrap(e),
		code:  code,
		msg:   e.Error(),
	}
}

func (e DocStoreError) Error() string {
	return e.msg
}

func (e DocStoreError) Unwrap() error {
	return e.cause
}

func IsDocStoreErrorCode(err error, code DocStoreErrorCode) bool {
	return GetDocStoreErrorCode(err) == code
}

func GetDocStoreErrorCode(err error) DocStoreErrorCode {
	if err == nil {
		return NoErrCode
	}

	var e DocStoreError

	if errors.As(err, &e) {
		return e.code
	}

	return ""
}
