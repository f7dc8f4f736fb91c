package webserver

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestServesFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "node.wasm"), []byte("wasm-bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h := NewHandler(root, nil)

	req := httptest.NewRequest(http.MethodGet, "/node.wasm", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	if rw.Body.String() != "wasm-bytes" {
		t.Fatalf("unexpected body %q", rw.Body.String())
	}
}

func TestUploadNotifies(t *testing.T) {
	root := t.TempDir()
	var got string
	h := NewHandler(root, func(p string) { got = p })

	for _, method := range []string{http.MethodPut, http.MethodPost} {
		got = ""
		req := httptest.NewRequest(method, "/images/0001.jpg", strings.NewReader("jpeg"))
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, req)
		if rw.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", method, rw.Code)
		}
		want := filepath.Join(root, "images", "0001.jpg")
		if got != want {
			t.Fatalf("%s: expected notification for %s, got %q", method, want, got)
		}
		b, err := os.ReadFile(want)
		if err != nil || string(b) != "jpeg" {
			t.Fatalf("%s: stored %q %v", method, b, err)
		}
	}
}

func TestUploadStaysInRoot(t *testing.T) {
	root := t.TempDir()
	p, err := resolve(root, "/../../etc/passwd")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.HasPrefix(p, root) {
		t.Fatalf("resolved outside root: %s", p)
	}
	if _, err := resolve(root, "/"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot, got %v", err)
	}
}

func TestStartAndClose(t *testing.T) {
	root := t.TempDir()
	_ = os.WriteFile(filepath.Join(root, "fw.bin"), []byte("fw"), 0o644)
	s, err := Start(root, 0, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Port() == 0 {
		t.Fatalf("expected a bound port")
	}
	resp, err := http.Get(URL("127.0.0.1", s.Port(), "fw.bin"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(b) != "fw" {
		t.Fatalf("unexpected body %q", b)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := http.Get(URL("127.0.0.1", s.Port(), "fw.bin")); err == nil {
		t.Fatalf("expected request to fail after close")
	}
}

func TestURLs(t *testing.T) {
	if got := URL("192.168.1.5", 8000, "dir/model.pkg"); got != "http://192.168.1.5:8000/dir/model.pkg" {
		t.Fatalf("unexpected url %s", got)
	}
	root := t.TempDir()
	got, err := RelURL("10.0.0.1", 80, root, filepath.Join(root, "a", "b.wasm"))
	if err != nil || got != "http://10.0.0.1:80/a/b.wasm" {
		t.Fatalf("RelURL: %s %v", got, err)
	}
	if _, err := RelURL("h", 1, root, filepath.Join(filepath.Dir(root), "x")); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot, got %v", err)
	}
}
