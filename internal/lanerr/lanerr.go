// Package lanerr implements the named error taxonomy the mesh
// components use to classify failures for logging, retry, and the
// management API's HTTP status mapping.
package lanerr

import (
	"errors"
	"fmt"
)

// Kind names one category of the error taxonomy.
type Kind string

const (
	KindConfig           Kind = "config"
	KindWireGuard        Kind = "wireguard"
	KindNAT              Kind = "nat"
	KindSTUN             Kind = "stun"
	KindHolePunch        Kind = "hole_punch"
	KindPeerConnection   Kind = "peer_connection"
	KindParty            Kind = "party"
	KindPartyNotFound    Kind = "party_not_found"
	KindPartyExists      Kind = "party_exists"
	KindPartyFull        Kind = "party_full"
	KindPeerNotFound     Kind = "peer_not_found"
	KindControlPlane     Kind = "control_plane"
	KindRelay            Kind = "relay"
	KindTimeout          Kind = "timeout"
)

// Error is a taxonomy-tagged error. Use errors.Is against a Kind-typed
// sentinel, or errors.As to recover the *Error and its Ident field.
type Error struct {
	Kind  Kind
	Ident string // the offending peer_id/party_id/etc, when applicable
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Ident != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s[%s]: %s: %v", e.Kind, e.Ident, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Ident, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, lanerr.New(lanerr.KindPartyFull, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithIdent attaches the offending identifier (peer_id, party_id, ...).
func (e *Error) WithIdent(ident string) *Error {
	e.Ident = ident
	return e
}

// KindOf extracts the Kind from err, if it (or something it wraps) is
// an *Error. Returns ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
