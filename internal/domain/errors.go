package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Failure classes reported by FetchFailure.Class.
const (
	ClassTransport = "transport"
	ClassTimeout   = "timeout"
	ClassStatus    = "status"
	ClassDecode    = "decode"
)

// ParseError reports an unusable area-hierarchy document. It is fatal for a
// run: no leaf areas can be enumerated.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse area document: %s: %v", e.Reason, e.Err)
	}
	return "parse area document: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response from the feed.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// DecodeError is a response body that could not be parsed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode body: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// FetchFailure is returned once every attempt at fetching URL has failed.
type FetchFailure struct {
	URL       string
	Attempts  int
	LastError error
}

func (e *FetchFailure) Error() string {
	return fmt.Sprintf("fetch %s: giving up after %d attempt(s): %v", e.URL, e.Attempts, e.LastError)
}

func (e *FetchFailure) Unwrap() error { return e.LastError }

// Class categorizes LastError as transport, timeout, status or decode.
func (e *FetchFailure) Class() string {
	return ClassifyFetchError(e.LastError)
}

// ClassifyFetchError maps a single-attempt error onto a failure class.
func ClassifyFetchError(err error) string {
	var statusErr *StatusError
	var decodeErr *DecodeError
	var netErr net.Error
	switch {
	case errors.As(err, &statusErr):
		return ClassStatus
	case errors.As(err, &decodeErr):
		return ClassDecode
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ClassTimeout
	default:
		return ClassTransport
	}
}

// MalformedDocumentError reports a forecast report missing a required field.
type MalformedDocumentError struct {
	AreaCode    string
	ReportIndex int
	Field       string
}

func (e *MalformedDocumentError) Error() string {
	return fmt.Sprintf("forecast for %s: report %d: missing required field %q", e.AreaCode, e.ReportIndex, e.Field)
}

// StoreError wraps a failed write of one area's rows. The area's transaction
// has been rolled back when this is returned.
type StoreError struct {
	AreaCode string
	Op       string
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.AreaCode, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
