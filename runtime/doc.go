// Package runtime provides the high-level API: a Session that owns one
// trusted compiler and one guest linker on a private wazero runtime.
//
// # Quick Start
//
//	ctx := context.Background()
//	s, err := runtime.New(ctx, runtime.Config{Log: func(s string) { fmt.Print(s) }})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close(ctx)
//
//	if err := s.Load(ctx, source.File("mw.wasm")); err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := s.Run(ctx, "print 'hello'", runtime.RunOptions{})
//	if err != nil {
//	    log.Fatal(err) // load, compile or link error
//	}
//	if res.Trapped {
//	    log.Println(res.Trap)
//	}
//
// # Lifecycle
//
// Load is the only operation that may run while others wait: Wait blocks
// until it resolves. Compile, Run and the rest are serialized per session.
// Sessions share nothing, so separate sessions run in parallel.
package runtime
