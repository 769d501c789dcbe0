// Package linker links freshly compiled guest bytecode against the fixed
// host ABI and executes it.
//
// # Main Types
//
//   - ABI: static description of what a guest may import
//   - Linker: owns at most one live guest per runtime
//   - Instance: a linked guest with its own linear memory
//
// # Module Layout
//
// Each Instance is backed by four wazero modules:
//
//  1. "sys.host": Go functions print, putchar and setImageData
//  2. "math": Go functions pow, log and log2
//  3. "sys": a synthesized module that defines the guest memory and the
//     __stack_pointer/__memory_base globals and re-exports the sys.host
//     functions
//  4. the guest itself
//
// Guest imports are checked against the ABI before anything is
// instantiated; every mismatch is collected into one LinkError.
//
// # Thread Safety
//
// Linker is safe for concurrent use. Instance is NOT safe for concurrent
// use, and a new Instantiate closes the previous Instance.
//
// # Example
//
//	l := linker.New(rt, linker.DefaultABI(), linker.Options{Log: sink})
//	inst, err := l.Instantiate(ctx, artifact)
//	if err != nil {
//		return err // *LinkError
//	}
//	res, err := inst.Execute(ctx)
//	if res.Trapped {
//		log.Println(res.Trap)
//	}
package linker
