// Package fixture synthesizes wasm modules for tests: a stand-in for the
// trusted compiler and a set of guests exercising the host ABI.
//
// The fake compiler is a real module. It imports fd_write, bump-allocates
// from its own memory, compares the source text against a table of known
// programs and copies the matching guest bytecode into a fresh allocation.
// Unknown sources make it print Diagnostic to stdout and report size 0.
package fixture
