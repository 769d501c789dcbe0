package linker

import (
	"github.com/wippyai/mwrun/wasm"
)

// buildSysModule synthesizes the "sys" module. It defines the guest's
// linear memory and the two ABI globals, and re-exports the sys functions
// imported from hostModule so the guest sees a single namespace.
func buildSysModule(abi ABI, hostModule string) ([]byte, error) {
	b := wasm.NewBuilder()

	type reexport struct {
		name string
		idx  uint32
	}
	var funcs []reexport
	for _, e := range abi.funcs(SysModule) {
		funcs = append(funcs, reexport{e.Name, b.ImportFunc(hostModule, e.Name, e.Func.Params, e.Func.Results)})
	}

	limits := wasm.Limits{Min: abi.MemoryPages}
	if abi.MaxMemoryPages > 0 {
		maxPages := abi.MaxMemoryPages
		limits.Max = &maxPages
	}
	b.SetMemory(limits)
	b.ExportMemory(MemoryName)

	sp := b.AddGlobal(wasm.GlobalType{Type: wasm.ValI32, Mutable: true}, wasm.I32Expr(int32(abi.StackPointer)))
	base := b.AddGlobal(wasm.GlobalType{Type: wasm.ValI32}, wasm.I32Expr(int32(abi.MemoryBase)))
	b.ExportGlobal(StackPointerName, sp)
	b.ExportGlobal(MemoryBaseName, base)

	for _, f := range funcs {
		b.ExportFunc(f.name, f.idx)
	}
	return b.Build()
}
