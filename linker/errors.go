package linker

import (
	"fmt"
	"strings"

	"github.com/wippyai/mwrun/errors"
)

// LinkError collects every reason a guest could not be linked. Each problem
// is an *errors.Error in the linking phase, so errors.IsLink and
// errors.HasKind see through it.
type LinkError struct {
	Module   string
	Problems []*errors.Error
}

func (e *LinkError) Error() string {
	var b strings.Builder
	b.WriteString("link failed")
	if e.Module != "" {
		b.WriteString(" for ")
		b.WriteString(e.Module)
	}
	switch len(e.Problems) {
	case 0:
	case 1:
		b.WriteString(": ")
		b.WriteString(e.Problems[0].Error())
	default:
		fmt.Fprintf(&b, ": %d problems", len(e.Problems))
		for _, p := range e.Problems {
			b.WriteString("\n  ")
			b.WriteString(p.Error())
		}
	}
	return b.String()
}

func (e *LinkError) Unwrap() []error {
	out := make([]error, len(e.Problems))
	for i, p := range e.Problems {
		out[i] = p
	}
	return out
}

// Has reports whether any problem has the given kind.
func (e *LinkError) Has(kind errors.Kind) bool {
	for _, p := range e.Problems {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

func (e *LinkError) add(p *errors.Error) {
	e.Problems = append(e.Problems, p)
}

// linkError wraps a single failure.
func linkError(module string, kind errors.Kind, cause error, format string, args ...any) *LinkError {
	return &LinkError{
		Module: module,
		Problems: []*errors.Error{
			errors.New(errors.PhaseLinking, kind).
				Module(module).
				Cause(cause).
				Detail(format, args...).
				Build(),
		},
	}
}
