package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name:     "basic",
			err:      &Error{Phase: PhaseCompile, Kind: KindCompileFailed},
			contains: []string{"[compile]", "compile_failed"},
		},
		{
			name: "with path and module",
			err: &Error{
				Phase:  PhaseLinking,
				Kind:   KindMissingImport,
				Path:   []string{"sys", "print"},
				Module: "guest",
			},
			contains: []string{"[linking]", "missing_import", "at sys.print", "in module guest"},
		},
		{
			name: "with detail and cause",
			err: &Error{
				Phase:  PhaseRuntime,
				Kind:   KindTrap,
				Detail: "guest trapped in _start",
				Cause:  errors.New("unreachable"),
			},
			contains: []string{"guest trapped in _start", "(caused by: unreachable)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, should contain %q", msg, want)
				}
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := &Error{Phase: PhaseLoad, Kind: KindInvalidData, Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap should return the cause")
	}
}

func TestErrorIs(t *testing.T) {
	err := &Error{Phase: PhaseMarshal, Kind: KindCapacity}

	if !err.Is(&Error{Phase: PhaseMarshal, Kind: KindCapacity}) {
		t.Error("Is should match same phase and kind")
	}
	if err.Is(&Error{Phase: PhaseCompile, Kind: KindCapacity}) {
		t.Error("Is should not match different phase")
	}
	if err.Is(&Error{Phase: PhaseMarshal, Kind: KindOutOfBounds}) {
		t.Error("Is should not match different kind")
	}
	if !err.Is(&Error{Kind: KindCapacity}) {
		t.Error("empty phase should match any phase")
	}
	if !err.Is(&Error{Phase: PhaseMarshal}) {
		t.Error("empty kind should match any kind")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseLinking, KindSignatureMismatch).
		Path("math", "pow").
		Module("guest").
		Value(42).
		Cause(cause).
		Detail("expected %s, got %s", "(f64,f64)->f64", "(i32)->()").
		Build()

	if err.Phase != PhaseLinking {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseLinking)
	}
	if err.Kind != KindSignatureMismatch {
		t.Errorf("Kind = %v, want %v", err.Kind, KindSignatureMismatch)
	}
	if len(err.Path) != 2 || err.Path[0] != "math" || err.Path[1] != "pow" {
		t.Errorf("Path = %v, want [math pow]", err.Path)
	}
	if err.Module != "guest" {
		t.Errorf("Module = %q, want guest", err.Module)
	}
	if err.Value != 42 {
		t.Errorf("Value = %v, want 42", err.Value)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "expected (f64,f64)->f64, got (i32)->()" {
		t.Errorf("Detail = %q", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("OutOfBounds", func(t *testing.T) {
		err := OutOfBounds(PhaseMarshal, "guest", 10, 5, 12)
		if err.Kind != KindOutOfBounds {
			t.Errorf("Kind = %v, want %v", err.Kind, KindOutOfBounds)
		}
		if err.Value != uint32(10) {
			t.Errorf("Value = %v, want 10", err.Value)
		}
		if !strings.Contains(err.Detail, "[10, 15)") {
			t.Errorf("Detail = %q, should contain the span", err.Detail)
		}
	})

	t.Run("OutOfBounds no wraparound", func(t *testing.T) {
		err := OutOfBounds(PhaseMarshal, "guest", 0xFFFFFFFF, 2, 16)
		if !strings.Contains(err.Detail, "4294967297") {
			t.Errorf("Detail = %q, end should be computed in 64 bits", err.Detail)
		}
	})

	t.Run("Capacity", func(t *testing.T) {
		err := Capacity(PhaseCompile, 10241, 10240)
		if !IsCapacity(err) {
			t.Error("IsCapacity should match")
		}
		if !strings.Contains(err.Detail, "10241") {
			t.Errorf("Detail = %q", err.Detail)
		}
	})

	t.Run("AllocationFailed", func(t *testing.T) {
		err := AllocationFailed(PhaseCompile, 1024, nil)
		if err.Kind != KindAllocation {
			t.Errorf("Kind = %v, want %v", err.Kind, KindAllocation)
		}
		if !strings.Contains(err.Detail, "1024") {
			t.Errorf("Detail = %q, should contain size", err.Detail)
		}
	})

	t.Run("InvalidUTF8", func(t *testing.T) {
		err := InvalidUTF8(PhaseMarshal, []byte{0xff, 0xfe})
		if err.Kind != KindInvalidUTF8 {
			t.Errorf("Kind = %v, want %v", err.Kind, KindInvalidUTF8)
		}
		if !strings.Contains(err.Detail, "fffe") {
			t.Errorf("Detail = %q", err.Detail)
		}
	})

	t.Run("MissingExport", func(t *testing.T) {
		err := MissingExport(PhaseLoad, "compile_code")
		if !IsLoad(err) {
			t.Error("IsLoad should match")
		}
		if !strings.Contains(err.Error(), `"compile_code"`) {
			t.Errorf("Error() = %q", err.Error())
		}
	})

	t.Run("CompileFailed", func(t *testing.T) {
		err := CompileFailed()
		if !IsCompile(err) {
			t.Error("IsCompile should match")
		}
		if err.Cause != nil {
			t.Error("CompileFailed carries no diagnostics payload")
		}
	})

	t.Run("Trap", func(t *testing.T) {
		err := Trap("_start", errors.New("unreachable"))
		if !IsTrap(err) {
			t.Error("IsTrap should match")
		}
	})

	t.Run("Overflow", func(t *testing.T) {
		err := Overflow(PhaseLinking, uint64(1)<<40, "u32")
		if err.Kind != KindOverflow {
			t.Errorf("Kind = %v, want %v", err.Kind, KindOverflow)
		}
	})
}

func TestClassifiersThroughWrapping(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"load wrapped", fmt.Errorf("session: %w", Load("read module", nil)), IsLoad, true},
		{"compile wrapped", fmt.Errorf("run: %w", CompileFailed()), IsCompile, true},
		{"link", New(PhaseLinking, KindMissingImport).Build(), IsLink, true},
		{"trap wrapped", fmt.Errorf("x: %w", Trap("_start", nil)), IsTrap, true},
		{"runtime non trap", InvalidState(PhaseRuntime, "closed", nil), IsTrap, false},
		{"plain error", errors.New("nope"), IsLoad, false},
		{"nil", nil, IsCompile, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.check(tt.err); got != tt.want {
				t.Errorf("classifier(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestHasKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", InvalidState(PhaseCompile, "released twice", nil))
	if !HasKind(err, KindInvalidState) {
		t.Error("HasKind should find invalid_state")
	}
	if HasKind(err, KindTrap) {
		t.Error("HasKind should not find trap")
	}
}
