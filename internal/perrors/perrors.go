// Package perrors defines the tagged error kinds a patch run can fail
// with. All are fatal: the engine never retries or partially recovers
// from one, it surfaces the kind and stage so the CLI can report which
// stage broke.
package perrors

import "fmt"

// Kind identifies one of the fatal error categories a patch run can
// produce. Every Kind is terminal; none is retried.
type Kind int

const (
	// ArgError indicates wrong argc or an unreadable path.
	ArgError Kind = iota
	// MapParseError indicates a malformed don't-care map file.
	MapParseError
	// MapExhausted indicates a read, write, or seek past the end of
	// the logical stream a don't-care map describes.
	MapExhausted
	// CorruptPatch indicates an XZ result other than OK/STREAM_END,
	// or an unexpected VCDIFF decoder state.
	CorruptPatch
	// SourceIOError indicates a failed seek or intolerable short read
	// on the source file.
	SourceIOError
	// FrontierViolation indicates a source block request would read
	// bytes at or past the pending write frontier.
	FrontierViolation
	// TargetIOError indicates a failed write or flush on the target.
	TargetIOError
	// OutOfMemory indicates a buffer allocation failure.
	OutOfMemory
)

func (k Kind) String() string {
	switch k {
	case ArgError:
		return "ArgError"
	case MapParseError:
		return "MapParseError"
	case MapExhausted:
		return "MapExhausted"
	case CorruptPatch:
		return "CorruptPatch"
	case SourceIOError:
		return "SourceIOError"
	case FrontierViolation:
		return "FrontierViolation"
	case TargetIOError:
		return "TargetIOError"
	case OutOfMemory:
		return "OutOfMemory"
	default:
		return "UnknownError"
	}
}

// Error is a fatal, staged patch error: it carries the Kind so callers
// can branch with errors.Is/errors.As, the stage (component) it came
// from for diagnostics, and the underlying cause if any.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Stage != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
	case e.Stage != "":
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind, letting
// callers write errors.Is(err, perrors.Sentinel(perrors.FrontierViolation))
// regardless of the stage and cause either side carries.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New builds a staged Error of the given kind.
func New(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Sentinel returns a bare Error of the given kind with no stage or
// cause, suitable as a comparison target for errors.Is.
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}
