package lanerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_RecoversThroughWrap(t *testing.T) {
	t.Parallel()

	base := New(KindPartyFull, "party has 16/16 peers").WithIdent("party-1")
	wrapped := fmt.Errorf("create party: %w", base)

	kind, ok := KindOf(wrapped)
	if !ok {
		t.Fatalf("expected KindOf to find a tagged error")
	}
	if kind != KindPartyFull {
		t.Fatalf("kind = %q, want %q", kind, KindPartyFull)
	}
}

func TestIs_MatchesOnKindNotIdent(t *testing.T) {
	t.Parallel()

	a := New(KindPeerNotFound, "no such peer").WithIdent("peer-a")
	b := New(KindPeerNotFound, "no such peer").WithIdent("peer-b")

	if !errors.Is(a, b) {
		t.Fatalf("expected errors with the same Kind to match regardless of Ident")
	}

	c := New(KindTimeout, "deadline exceeded")
	if errors.Is(a, c) {
		t.Fatalf("did not expect different kinds to match")
	}
}
