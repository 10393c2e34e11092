// Package bumpererr defines the error taxonomy every component classifies
// its failures into. Components return these via the standard error
// interface (wrapped with fmt.Errorf and %w) rather than panicking; callers
// distinguish kinds with errors.Is.
package bumpererr

import "errors"

// Sentinel errors, one per taxonomy row. Wrap these with fmt.Errorf("...: %w", ErrX)
// to attach context while keeping errors.Is(err, ErrX) true.
var (
	// ErrAuthFailure: bad authcode, bad password, or unrecognized client-id shape.
	ErrAuthFailure = errors.New("bumper: authentication failure")

	// ErrTimedOut: HelperBot.SendCommand or a ping got no reply in time.
	ErrTimedOut = errors.New("bumper: timed out")

	// ErrParseError: malformed XML stanza or malformed MQTT frame.
	ErrParseError = errors.New("bumper: parse error")

	// ErrUpstream: the proxy client could not reach the vendor cloud.
	ErrUpstream = errors.New("bumper: upstream error")

	// ErrFatal: missing cert/key, port bind failure. Only cmd/bumperd
	// translates this into a process exit; no other component exits the
	// process directly.
	ErrFatal = errors.New("bumper: fatal")
)
