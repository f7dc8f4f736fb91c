// Package webserver serves module and firmware binaries to the camera and
// accepts uploads (inference results, images) from it.
package webserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

var ErrOutsideRoot = errors.New("path escapes served directory")

type UploadFunc func(path string)

type Server struct {
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

// Start serves root on port (0 picks a free one) until Close.
func Start(root string, port int, onUpload UploadFunc) (*Server, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen on %d: %w", port, err)
	}
	s := &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           NewHandler(root, onUpload),
			ReadHeaderTimeout: 10 * time.Second,
		},
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webserver stopped", "error", err)
		}
	}()
	slog.Debug("webserver serving", "root", root, "port", s.Port())
	return s, nil
}

func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}

// URL builds the address the device downloads rel from.
func URL(host string, port int, rel string) string {
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "/")
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/" + rel
}

// RelURL is URL for a file under root.
func RelURL(host string, port int, root, file string) (string, error) {
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, file)
	}
	return URL(host, port, rel), nil
}

func NewHandler(root string, onUpload UploadFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	files := http.FileServer(http.Dir(root))
	r.Get("/*", files.ServeHTTP)
	r.Head("/*", files.ServeHTTP)

	upload := func(w http.ResponseWriter, req *http.Request) {
		dest, err := resolve(root, req.URL.Path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := writeFile(dest, req.Body); err != nil {
			slog.Warn("error while receiving data", "path", dest, "error", err)
			http.Error(w, "could not store upload", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		if onUpload != nil {
			onUpload(dest)
		}
	}
	r.Put("/*", upload)
	r.Post("/*", upload)
	return r
}

func resolve(root, urlPath string) (string, error) {
	clean := path.Clean("/" + urlPath)
	if clean == "/" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideRoot)
	}
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func writeFile(dest string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
