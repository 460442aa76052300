package devtools

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server serves the published bundle locally. Every response carries the
// cross-origin isolation headers the binary module needs for
// SharedArrayBuffer, matching what the generated serve.py/serve.js emit.
type Server struct {
	dir     string
	name    string
	port    int
	senders map[int]chan interface{}
	nextID  int
	lock    sync.Mutex
}

func NewServer(dir, name string, port int) (*Server, error) {
	return &Server{
		dir:     dir,
		name:    name,
		port:    port,
		senders: map[int]chan interface{}{},
	}, nil
}

type reloadEvent struct {
	Type string `json:"type"`
}

type buildErrorEvent struct {
	Type string `json:"type"`
	Out  string `json:"out"`
	Err  string `json:"err"`
}

type pingEvent struct {
	Type string `json:"type"`
}

func isolationHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
		next.ServeHTTP(w, r)
	})
}

// Handler builds the router. Split from Serve so tests can drive it through
// httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(isolationHeaders)

	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
			return
		}

		s.lock.Lock()
		currentID := s.nextID
		c := make(chan interface{}, 10)
		s.senders[currentID] = c
		s.nextID++
		s.lock.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		encoder := json.NewEncoder(w)
		defer func() {
			s.lock.Lock()
			defer s.lock.Unlock()
			delete(s.senders, currentID)
		}()

		for e := range c {
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := encoder.Encode(e); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		s.serveFile(w, "index.html")
	})

	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		s.serveFile(w, chi.URLParam(r, "*"))
	})

	return r
}

func (s *Server) serveFile(w http.ResponseWriter, name string) {
	target := filepath.FromSlash(filepath.Clean("/" + name))
	f, err := os.ReadFile(path.Join(s.dir, target)) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			w.WriteHeader(404)
			return
		}
		w.WriteHeader(500)
		return
	}
	contentType := mime.TypeByExtension(filepath.Ext(target))
	if filepath.Ext(target) == ".wasm" {
		contentType = "application/wasm"
	}
	if contentType != "" {
		w.Header().Add("Content-type", contentType)
	}
	w.Header().Add("Cache-control", "no-store")
	if _, err := w.Write(f); err != nil {
		fmt.Printf("error while writing: %s\n", err.Error())
	}
}

func (s *Server) Serve() error {
	go func() {
		for {
			s.lock.Lock()
			for _, sender := range s.senders {
				sender <- pingEvent{Type: "ping"}
			}
			s.lock.Unlock()
			time.Sleep(10 * time.Second)
		}
	}()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 200 * time.Millisecond,
		Addr:              fmt.Sprintf(":%d", s.port),
	}
	return srv.ListenAndServe()
}

// Reload tells connected browsers to refresh after a rebuild.
func (s *Server) Reload() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, sender := range s.senders {
		sender <- &reloadEvent{Type: "reload"}
	}
}

// BuildError streams compiler output to connected browsers.
func (s *Server) BuildError(o, e string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, sender := range s.senders {
		sender <- &buildErrorEvent{Type: "buildError", Out: o, Err: e}
	}
}
