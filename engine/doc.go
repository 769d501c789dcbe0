// Package engine builds the wazero runtimes the host executes modules in.
//
// Every session owns one Engine, so module names never collide between
// sessions and closing an engine releases everything instantiated in it.
//
// # Configuration
//
//	MemoryLimitPages     maximum pages any memory may grow to (64 KiB each)
//	CloseOnContextDone   interrupt running wasm when the call context ends
//	CacheDir             persist compiled machine code across processes
//	SharedCache          reuse compiled code between engines in this process
//	Interpreter          force the interpreter instead of the compiler
//
// A trusted compiler module compiled by one engine is reused by every other
// engine created with SharedCache, which keeps parallel sessions cheap.
package engine
