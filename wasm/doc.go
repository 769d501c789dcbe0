// Package wasm provides the WebAssembly binary tooling the host needs.
//
// It does not aim to be a complete parser. It reads exactly what is
// required to check a guest module against the host ABI before anything
// is instantiated, and it synthesizes small modules (the host "sys"
// module, test fixtures).
//
// # Interfaces
//
// Read the import and export surface of a module:
//
//	iface, err := wasm.ParseInterface(data)
//	for _, imp := range iface.Imports {
//	    fmt.Println(imp.Module, imp.Name, wasm.KindName(imp.Kind))
//	}
//	sig, ok := iface.ExportedFunc("_start")
//
// # Synthesis
//
// Build a module from types, imports, globals and function bodies:
//
//	b := wasm.NewBuilder()
//	b.SetMemory(wasm.Limits{Min: 1})
//	b.ExportMemory("memory")
//	var c wasm.Code
//	c.I32Const(30).End()
//	b.ExportFunc("_start", b.AddFunc(nil, []wasm.ValType{wasm.ValI32}, nil, c.Bytes()))
//	data, err := b.Build()
//
// # LEB128 Encoding
//
// The package provides LEB128 utilities used throughout:
//
//	v, err := wasm.ReadLEB128u(r)  // Unsigned
//	v, err := wasm.ReadLEB128s(r)  // Signed
package wasm
