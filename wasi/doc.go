// Package wasi implements the subset of wasi_snapshot_preview1 the trusted
// compiler module imports.
//
// Only standard output is backed by anything: fd_write on descriptor 1 is
// decoded as UTF-8 and forwarded to the log sink, one sink call per fd_write.
// Everything else reports a fixed status. Any other function the module
// imports from the namespace gets a generated stub returning ENOSYS, so a
// compiler built against a newer libc still loads.
//
// Status codes:
//
//	ESUCCESS  0   call succeeded
//	EBADF     8   descriptor is not stdout, or no preopens
//	EFAULT    21  a pointer or iovec fell outside memory
//	ENOSYS    52  not implemented
//
// Host functions never panic. Memory is always the calling module's own.
package wasi
