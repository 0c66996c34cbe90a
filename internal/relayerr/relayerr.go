// Package relayerr provides a structured error taxonomy shared by the
// server and client halves of the relay.
package relayerr

import "fmt"

// Path identifies which side of the relay produced the error.
type Path string

const (
	PathServer Path = "server"
	PathClient Path = "client"
)

// Stage identifies which part of the pipeline failed.
type Stage string

const (
	StageFraming   Stage = "framing"
	StageHandshake Stage = "handshake"
	StageTunnel    Stage = "tunnel"
	StagePublic    Stage = "public"
	StageForward   Stage = "forward"
	StageCache     Stage = "cache"
	StageStorage   Stage = "storage"
)

// Code is a stable, programmatic error identifier matching spec §7's taxonomy.
type Code string

const (
	CodeParse        Code = "parse_error"
	CodeHandshake    Code = "handshake_error"
	CodeRoute        Code = "route_error"
	CodeRateLimited  Code = "rate_limited"
	CodeTimeout      Code = "timeout_error"
	CodeTransport    Code = "transport_error"
	CodeStorage      Code = "storage_error"
	CodeCacheMiss    Code = "cache_miss"
	CodeCacheExpired Code = "cache_expired"
)

// Error is a structured, programmatically identifiable relay error.
type Error struct {
	Path  Path
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s (%s): %v", e.Path, e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s (%s)", e.Path, e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a structured Error from a path/stage/code triple and an underlying cause.
func Wrap(path Path, stage Stage, code Code, err error) error {
	return &Error{Path: path, Stage: stage, Code: code, Err: err}
}

// Is reports whether err is a relayerr.Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	if err == nil {
		return false
	}
	for {
		if re, ok := err.(*Error); ok {
			e = re
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
		if err == nil {
			return false
		}
	}
	return e.Code == code
}
