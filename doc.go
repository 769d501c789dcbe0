// Package mwrun hosts a two-stage WebAssembly pipeline: a trusted compiler
// module turns source text into guest bytecode, and the guest is then linked
// and executed as a second, independent module against a fixed host ABI.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	mwrun/               Root package with the sink and memory contracts
//	├── runtime/         Session: load, compile, run, history
//	├── engine/          wazero runtime construction
//	├── compiler/        Trusted compiler module host
//	├── linker/          Guest ABI check, instantiation and execution
//	├── view/            Bounded undo/redo of view rectangles
//	├── wasi/            wasi_snapshot_preview1 subset for the compiler
//	├── memory/          Bounds-checked transfer across linear memories
//	├── wasm/            Binary interface parsing and module synthesis
//	├── source/          Module byte sources (file, HTTP, memory)
//	├── sink/            Log and image sinks
//	└── errors/          Structured error types for debugging
//
// # Quick Start
//
//	sess, err := runtime.New(ctx, runtime.Config{
//	    Log: func(s string) { fmt.Print(s) },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Close(ctx)
//
//	if err := sess.Load(ctx, source.File("mw.wasm")); err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := sess.Run(ctx, "int main() { return 30; }", runtime.RunOptions{})
//	if err != nil {
//	    log.Fatal(err) // compile or link failure
//	}
//	fmt.Println(res.ReturnValue, res.Trapped)
//
// # Failure Model
//
// Guest faults never crash the host. A trap is reported in the execution
// result; compile diagnostics arrive through the log sink; ABI violations are
// rejected before any guest code runs.
package mwrun
