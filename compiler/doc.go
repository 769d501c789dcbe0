// Package compiler hosts the trusted compiler module.
//
// A Host owns one instance of the module for the lifetime of a session. It
// moves through a one-shot state machine:
//
//	Unloaded -> Loading -> Ready
//	               \
//	                -> Failed   (terminal, every later call is rejected)
//
// Compile writes the source text into a fixed-size scratch buffer allocated
// through the module's own allocator, calls the compile export and wraps the
// resulting span as an Artifact. Oversized sources are rejected before
// anything is written. When the module reports size 0 the compile failed and
// its diagnostics have already gone to the log sink, so the returned error
// carries no payload of its own.
//
// Artifacts stay owned by the module's allocator until released, exactly
// once.
package compiler
