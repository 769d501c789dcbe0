package wasi

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/mwrun/memory"
	"github.com/wippyai/mwrun/wasm"
)

type sig struct {
	name    string
	params  []wasm.ValType
	results []wasm.ValType
}

var (
	vI32 = wasm.ValI32
	vI64 = wasm.ValI64
)

// callerImports lists every function the test caller imports; sched_yield
// is not implemented by the shim and must be stubbed.
var callerImports = []sig{
	{"fd_write", []wasm.ValType{vI32, vI32, vI32, vI32}, []wasm.ValType{vI32}},
	{"environ_sizes_get", []wasm.ValType{vI32, vI32}, []wasm.ValType{vI32}},
	{"args_sizes_get", []wasm.ValType{vI32, vI32}, []wasm.ValType{vI32}},
	{"environ_get", []wasm.ValType{vI32, vI32}, []wasm.ValType{vI32}},
	{"args_get", []wasm.ValType{vI32, vI32}, []wasm.ValType{vI32}},
	{"fd_prestat_get", []wasm.ValType{vI32, vI32}, []wasm.ValType{vI32}},
	{"fd_prestat_dir_name", []wasm.ValType{vI32, vI32, vI32}, []wasm.ValType{vI32}},
	{"fd_fdstat_get", []wasm.ValType{vI32, vI32}, []wasm.ValType{vI32}},
	{"poll_oneoff", []wasm.ValType{vI32, vI32, vI32, vI32}, []wasm.ValType{vI32}},
	{"fd_close", []wasm.ValType{vI32}, []wasm.ValType{vI32}},
	{"fd_seek", []wasm.ValType{vI32, vI64, vI32, vI32}, []wasm.ValType{vI32}},
	{"proc_exit", []wasm.ValType{vI32}, nil},
	{"sched_yield", nil, []wasm.ValType{vI32}},
}

type harness struct {
	mod   api.Module
	arena *memory.Arena
	lines []string
}

// newHarness instantiates the shim and a caller module whose "call_<name>"
// exports forward their arguments to the imported wasi function.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	b := wasm.NewBuilder()
	for _, s := range callerImports {
		b.ImportFunc(ModuleName, s.name, s.params, s.results)
	}
	b.SetMemory(wasm.Limits{Min: 1})
	b.ExportMemory("memory")
	for i, s := range callerImports {
		var c wasm.Code
		for p := range s.params {
			c.LocalGet(uint32(p))
		}
		c.Call(uint32(i)).End()
		b.ExportFunc("call_"+s.name, b.AddFunc(s.params, s.results, nil, c.Bytes()))
	}
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	compiled, err := r.CompileModule(ctx, data)
	if err != nil {
		t.Fatalf("CompileModule: %v", err)
	}

	h := &harness{}
	if _, err := Instantiate(ctx, r, compiled, func(s string) { h.lines = append(h.lines, s) }, nil); err != nil {
		t.Fatalf("Instantiate shim: %v", err)
	}
	h.mod, err = r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("caller").WithStartFunctions())
	if err != nil {
		t.Fatalf("InstantiateModule: %v", err)
	}
	h.arena = memory.NewArena("caller", h.mod.Memory())
	return h
}

func (h *harness) call(t *testing.T, name string, args ...uint64) Errno {
	t.Helper()
	res, err := h.mod.ExportedFunction("call_"+name).Call(context.Background(), args...)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if len(res) == 0 {
		return ESUCCESS
	}
	return Errno(api.DecodeU32(res[0]))
}

// iovec writes a ciovec array at ptr pointing at each chunk, placing the
// chunk bytes from dataAt onward.
func (h *harness) iovec(t *testing.T, ptr, dataAt uint32, chunks ...string) {
	t.Helper()
	for i, c := range chunks {
		if err := h.arena.Write(dataAt, []byte(c)); err != nil {
			t.Fatal(err)
		}
		_ = h.arena.WriteU32(ptr+uint32(i)*8, dataAt)
		_ = h.arena.WriteU32(ptr+uint32(i)*8+4, uint32(len(c)))
		dataAt += uint32(len(c))
	}
}

func TestFdWriteStdout(t *testing.T) {
	h := newHarness(t)
	h.iovec(t, 0, 1024, "你", "好", "\n")

	if got := h.call(t, "fd_write", StdoutFD, 0, 3, 512); got != ESUCCESS {
		t.Fatalf("status = %d, want ESUCCESS", got)
	}
	if len(h.lines) != 1 {
		t.Fatalf("sink calls = %d, want 1", len(h.lines))
	}
	if h.lines[0] != "你好\n" {
		t.Errorf("sink = %q, want %q", h.lines[0], "你好\n")
	}
	if n, _ := h.arena.ReadU32(512); n != 7 {
		t.Errorf("nwritten = %d, want 7", n)
	}
}

func TestFdWriteOneSinkCallPerInvocation(t *testing.T) {
	h := newHarness(t)
	h.iovec(t, 0, 1024, "a")
	h.call(t, "fd_write", StdoutFD, 0, 1, 512)
	h.call(t, "fd_write", StdoutFD, 0, 1, 512)

	if len(h.lines) != 2 || h.lines[0] != "a" || h.lines[1] != "a" {
		t.Errorf("sink = %q, want two separate calls", h.lines)
	}
}

func TestFdWriteFailures(t *testing.T) {
	tests := []struct {
		name string
		fd   uint64
		iovs uint64
		want Errno
	}{
		{"stderr", 2, 0, EBADF},
		{"stdin", 0, 0, EBADF},
		{"iovec array out of range", StdoutFD, 65536 - 4, EFAULT},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.iovec(t, 0, 1024, "hello")
			if got := h.call(t, "fd_write", tt.fd, tt.iovs, 1, 512); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
			if len(h.lines) != 0 {
				t.Errorf("sink should not be called, got %q", h.lines)
			}
		})
	}
}

func TestFdWriteBufferOutOfRange(t *testing.T) {
	h := newHarness(t)
	_ = h.arena.WriteU32(0, 65530)
	_ = h.arena.WriteU32(4, 100)

	if got := h.call(t, "fd_write", StdoutFD, 0, 1, 512); got != EFAULT {
		t.Errorf("status = %d, want EFAULT", got)
	}
	if len(h.lines) != 0 {
		t.Errorf("sink should not be called, got %q", h.lines)
	}
}

func TestFdWriteNwrittenOutOfRange(t *testing.T) {
	h := newHarness(t)
	h.iovec(t, 0, 1024, "hello")

	if got := h.call(t, "fd_write", StdoutFD, 0, 1, 1<<20); got != EFAULT {
		t.Errorf("status = %d, want EFAULT", got)
	}
	if len(h.lines) != 1 || h.lines[0] != "hello" {
		t.Errorf("sink = %q, want the gathered text", h.lines)
	}
}

func TestZeroCounts(t *testing.T) {
	for _, name := range []string{"environ_sizes_get", "args_sizes_get"} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			_ = h.arena.WriteU32(100, 0xFFFFFFFF)
			_ = h.arena.WriteU32(104, 0xFFFFFFFF)

			if got := h.call(t, name, 100, 104); got != ESUCCESS {
				t.Fatalf("status = %d", got)
			}
			a, _ := h.arena.ReadU32(100)
			b, _ := h.arena.ReadU32(104)
			if a != 0 || b != 0 {
				t.Errorf("counts = %d, %d, want 0, 0", a, b)
			}
			if got := h.call(t, name, 65535, 0); got != EFAULT {
				t.Errorf("out of range status = %d, want EFAULT", got)
			}
		})
	}
}

func TestFixedStatuses(t *testing.T) {
	tests := []struct {
		name string
		args []uint64
		want Errno
	}{
		{"environ_get", []uint64{0, 0}, ESUCCESS},
		{"args_get", []uint64{0, 0}, ESUCCESS},
		{"fd_prestat_get", []uint64{3, 0}, EBADF},
		{"fd_prestat_dir_name", []uint64{3, 0, 0}, EBADF},
		{"poll_oneoff", []uint64{0, 0, 0, 0}, ENOSYS},
		{"fd_close", []uint64{1}, ENOSYS},
		{"fd_seek", []uint64{1, 0, 0, 0}, ENOSYS},
		{"sched_yield", nil, ENOSYS},
	}

	h := newHarness(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.call(t, tt.name, tt.args...); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFdFdstatGet(t *testing.T) {
	h := newHarness(t)
	_ = h.arena.Write(200, []byte{0xFF, 0xFF, 0xFF, 0xFF})

	if got := h.call(t, "fd_fdstat_get", 1, 200); got != ESUCCESS {
		t.Fatalf("status = %d", got)
	}
	stat, _ := h.arena.Read(memory.Span{Offset: 200, Length: fdstatSize})
	if stat[0] != 1 {
		t.Errorf("filetype = %d, want 1", stat[0])
	}
	for i, b := range stat[1:] {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i+1, b)
		}
	}

	if got := h.call(t, "fd_fdstat_get", 1, 65536-8); got != EFAULT {
		t.Errorf("out of range status = %d, want EFAULT", got)
	}
}

func TestProcExitReturns(t *testing.T) {
	h := newHarness(t)
	h.call(t, "proc_exit", 3)
	// Still usable after proc_exit returned.
	if got := h.call(t, "environ_get", 0, 0); got != ESUCCESS {
		t.Errorf("status after proc_exit = %d", got)
	}
}
