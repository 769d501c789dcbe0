// Package errors provides structured error types for the mwrun host.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The phases map onto the host's failure taxonomy:
//
//	PhaseLoad     trusted compiler module could not be loaded (fatal to the session)
//	PhaseCompile  source could not be compiled (the cause went to the log sink)
//	PhaseLinking  guest bytecode does not satisfy the host ABI
//	PhaseRuntime  guest trapped while executing
//	PhaseMarshal  a transfer across a linear memory boundary was rejected
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseMarshal, errors.KindCapacity).
//		Value(need).
//		Detail("source needs %d bytes, scratch holds %d", need, have).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.MissingExport(errors.PhaseLoad, "compile_code")
//	err := errors.OutOfBounds(errors.PhaseMarshal, "guest", offset, length, size)
//
// All errors implement the standard error interface and support errors.Is/As.
// The Is* classifiers inspect the whole wrap chain.
package errors
