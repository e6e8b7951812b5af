// Package logging provides the process-wide structured logger and a
// context-scoped carrier for the correlation fields (peer_id, party_id,
// session_id, correlation_id) that every long-running component
// attaches to its log records.
package logging

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a logger. When pretty is true it writes a human-readable
// console format (for interactive `lanrage up`/`lanrage status` runs);
// otherwise it writes one JSON object per line (for the server
// binaries, where logs are typically collected by another process).
func New(pretty bool, level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	var l zerolog.Logger
	if pretty {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		l = zerolog.New(os.Stderr)
	}
	return l.Level(level).With().Timestamp().Logger()
}

type ctxKey struct{}

// Fields carries the correlation identifiers threaded through a
// request/connection's lifetime.
type Fields struct {
	PeerID        string
	PartyID       string
	SessionID     string
	CorrelationID string
}

// WithFields attaches correlation fields to ctx, merging with any
// already present (non-empty values in fields win).
func WithFields(ctx context.Context, fields Fields) context.Context {
	merged := FromFields(ctx)
	if fields.PeerID != "" {
		merged.PeerID = fields.PeerID
	}
	if fields.PartyID != "" {
		merged.PartyID = fields.PartyID
	}
	if fields.SessionID != "" {
		merged.SessionID = fields.SessionID
	}
	if fields.CorrelationID != "" {
		merged.CorrelationID = fields.CorrelationID
	}
	return context.WithValue(ctx, ctxKey{}, merged)
}

// FromFields returns the correlation fields stored in ctx, or a zero
// Fields if none were ever attached.
func FromFields(ctx context.Context) Fields {
	f, _ := ctx.Value(ctxKey{}).(Fields)
	return f
}

// Log returns a logger derived from base with ctx's correlation fields
// attached, for use at the point a log line is actually emitted.
func Log(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	f := FromFields(ctx)
	ev := base.With()
	if f.PeerID != "" {
		ev = ev.Str("peer_id", f.PeerID)
	}
	if f.PartyID != "" {
		ev = ev.Str("party_id", f.PartyID)
	}
	if f.SessionID != "" {
		ev = ev.Str("session_id", f.SessionID)
	}
	if f.CorrelationID != "" {
		ev = ev.Str("correlation_id", f.CorrelationID)
	}
	return ev.Logger()
}
