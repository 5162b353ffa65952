package pipeline

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	if IsPermanent(Transient(base)) {
		t.Fatalf("transient error classified as permanent")
	}
	if !IsPermanent(Permanent(base)) {
		t.Fatalf("permanent error lost its classification")
	}
	// Unclassified errors retry.
	if IsPermanent(base) {
		t.Fatalf("bare error classified as permanent")
	}
	// Classification survives wrapping.
	wrapped := fmt.Errorf("stage tts_generation: %w", Permanent(base))
	if !IsPermanent(wrapped) {
		t.Fatalf("wrapped permanent error lost its classification")
	}
	if !errors.Is(Permanent(base), base) {
		t.Fatalf("Unwrap broken for permanent errors")
	}
	if !errors.Is(Transient(base), base) {
		t.Fatalf("Unwrap broken for transient errors")
	}
}

func TestNilErrorsPassThrough(t *testing.T) {
	if Transient(nil) != nil {
		t.Fatalf("Transient(nil) should be nil")
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) should be nil")
	}
}
