package perrors

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorsIsMatchesByKindOnly(t *testing.T) {
	err := New(FrontierViolation, "cache.coldRead", errors.New("read at 10"))
	if !errors.Is(err, Sentinel(FrontierViolation)) {
		t.Fatalf("expected errors.Is to match on Kind regardless of Stage/Err")
	}
	if errors.Is(err, Sentinel(CorruptPatch)) {
		t.Fatalf("did not expect a match against a different Kind")
	}
}

func TestUnwrapExposesUnderlyingCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New(TargetIOError, "writequeue.flush", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}

func TestKindStringCoversAllValues(t *testing.T) {
	kinds := []Kind{
		ArgError, MapParseError, MapExhausted, CorruptPatch,
		SourceIOError, FrontierViolation, TargetIOError, OutOfMemory,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		s := k.String()
		if s == "" || s == "UnknownError" {
			t.Fatalf("Kind %d stringified to %q", k, s)
		}
		if seen[s] {
			t.Fatalf("duplicate Kind string %q", s)
		}
		seen[s] = true
	}
}

func TestErrorMessageIncludesStageAndKind(t *testing.T) {
	err := New(ArgError, "cmd.run", errors.New("bad path"))
	msg := err.Error()
	if !strings.Contains(msg, "cmd.run") || !strings.Contains(msg, "ArgError") {
		t.Fatalf("expected message to include stage and kind, got %q", msg)
	}
}
