package ot2api

import (
	"errors"
	"fmt"
)

// ErrorKind classifies transport failures.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"
	KindHTTPStatus ErrorKind = "http_status"
	KindDecode     ErrorKind = "decode"
)

// TransportError is returned for every failed HTTP exchange with the robot.
type TransportError struct {
	Kind       ErrorKind
	Method     string
	Path       string
	StatusCode int
	Body       []byte
	Err        error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("ot2api: %s %s: http %d: %s", e.Method, e.Path, e.StatusCode, truncate(string(e.Body), 256))
	case KindDecode:
		return fmt.Sprintf("ot2api: %s %s: decode: %v", e.Method, e.Path, e.Err)
	default:
		return fmt.Sprintf("ot2api: %s %s: network: %v", e.Method, e.Path, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a TransportError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or zero.
func StatusCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) && te.Kind == KindHTTPStatus {
		return te.StatusCode
	}
	return 0
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
