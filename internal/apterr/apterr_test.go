package apterr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	err := New(NotFound, "repository not found")
	if got := err.Error(); got != "repository not found" {
		t.Errorf("Error() = %q, want %q", got, "repository not found")
	}

	wrapped := Wrap(Internal, "querying repository", errors.New("connection refused"))
	want := "querying repository: connection refused"
	if got := wrapped.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrapPreservesExistingKind(t *testing.T) {
	inner := New(SignatureInvalid, "clearsign verification failed")
	outer := Wrap(Internal, "committing release", inner)
	if outer.Kind != SignatureInvalid {
		t.Errorf("Kind = %q, want %q", outer.Kind, SignatureInvalid)
	}
	if !errors.Is(outer.Unwrap(), inner) {
		t.Errorf("Unwrap() did not return the original error")
	}
}

func TestWrapDoubleWrapped(t *testing.T) {
	inner := New(CatalogConflict, "serialization failure")
	middle := fmt.Errorf("tx failed: %w", inner)
	outer := Wrap(Internal, "admitting package", middle)
	if outer.Kind != CatalogConflict {
		t.Errorf("Kind = %q, want %q", outer.Kind, CatalogConflict)
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if got := KindOf(errors.New("plain error")); got != Internal {
		t.Errorf("KindOf(plain error) = %q, want %q", got, Internal)
	}
	if got := KindOf(New(Conflict, "x")); got != Conflict {
		t.Errorf("KindOf(Conflict) = %q, want %q", got, Conflict)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{CatalogConflict, true},
		{PublishStale, false},
		{StorageUnavailable, true},
		{NotFound, false},
		{Unauthorized, false},
		{MalformedPackage, false},
		{SignatureInvalid, false},
		{Conflict, false},
		{Internal, false},
	}
	for _, c := range cases {
		if got := Retryable(New(c.kind, "x")); got != c.want {
			t.Errorf("Retryable(%s) = %v, want %v", c.kind, got, c.want)
		}
	}
	if Retryable(errors.New("plain")) {
		t.Errorf("Retryable(plain error) = true, want false")
	}
}
