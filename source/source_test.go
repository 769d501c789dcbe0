package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wippyai/mwrun/errors"
)

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mw.wasm")
	if err := os.WriteFile(path, []byte("\x00asm"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := File(path).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != "\x00asm" {
		t.Errorf("got %q", got)
	}

	_, err = File(filepath.Join(t.TempDir(), "missing.wasm")).Fetch(context.Background())
	if !errors.IsLoad(err) {
		t.Errorf("missing file: err = %v, want load error", err)
	}
}

func TestBytesCopies(t *testing.T) {
	data := []byte{1, 2, 3}
	src := Bytes("fixture", data)

	got, _ := src.Fetch(context.Background())
	got[0] = 9
	if data[0] != 1 {
		t.Error("Fetch returned an alias of the source slice")
	}
	if src.String() != "mem:fixture" {
		t.Errorf("String = %q", src.String())
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Bytes("x", nil).Fetch(ctx); err == nil {
		t.Error("expected error for canceled context")
	}
	if _, err := File("x").Fetch(ctx); err == nil {
		t.Error("expected error for canceled context")
	}
}

func TestHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mw.wasm":
			_, _ = w.Write([]byte("\x00asm\x01\x00\x00\x00"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	got, err := HTTP(srv.URL+"/mw.wasm", WithClient(srv.Client())).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 8 {
		t.Errorf("len = %d, want 8", len(got))
	}

	_, err = HTTP(srv.URL + "/missing.wasm").Fetch(context.Background())
	if !errors.IsLoad(err) {
		t.Fatalf("err = %v, want load error", err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error should mention status: %v", err)
	}
}
