package apperr

import (
	"errors"
	"testing"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(StorageFailure, cause)

	if !errors.Is(err, err) {
		t.Fatalf("expected err to be itself")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap chain to reach cause")
	}

	kind, ok := KindOf(err)
	if !ok || kind != StorageFailure {
		t.Fatalf("expected kind %s, got %s (ok=%v)", StorageFailure, kind, ok)
	}
}

func TestIsMatchesByKindOnly(t *testing.T) {
	a := New(NotFound, "vector v1")
	b := New(NotFound, "vector v2")

	if !errors.Is(a, b) {
		t.Fatalf("expected two NotFound errors with different messages to match by kind")
	}
	if errors.Is(a, New(DuplicateID, "")) {
		t.Fatalf("did not expect NotFound to match DuplicateID")
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(StorageFailure, nil) != nil {
		t.Fatalf("expected Wrap(nil) to return nil")
	}
}
