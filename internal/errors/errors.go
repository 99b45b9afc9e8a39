// Package errors holds the sentinel errors shared by the sync, session
// and inbound packages. Callers wrap them with fmt.Errorf("...: %w")
// and match with errors.Is.
package errors

import "errors"

// Session errors.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAuthRejected     = errors.New("authentication rejected by server")
)

// Server/transport errors.
var (
	ErrTransport   = errors.New("remote request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// Local data errors.
var (
	ErrLocalStore      = errors.New("local record store failure")
	ErrInvalidEnvelope = errors.New("invalid change envelope")
	ErrUnknownCategory = errors.New("unknown record category")
	ErrInvalidWindow   = errors.New("sync window start is after end")
	ErrSyncInProgress  = errors.New("a sync run is already in progress")
	ErrRecordNotFound  = errors.New("record not found")
)
