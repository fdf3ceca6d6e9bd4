// Package turntest provides an in-process fake of the Turn API for tests.
package turntest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Request is one call received by the fake server.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

type mediaFile struct {
	contentType string
	body        []byte
}

// Server fakes the Turn messages, automation and media endpoints and serves
// registered files under /files/.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	requests []Request
	failures map[string][]int
	files    map[string]mediaFile
}

func NewServer() *Server {
	s := &Server{
		failures: make(map[string][]int),
		files:    make(map[string]mediaFile),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.handleMessages)
	mux.HandleFunc("POST /v1/messages/{id}/automation", s.handleAutomation)
	mux.HandleFunc("POST /v1/media", s.handleMedia)
	mux.HandleFunc("GET /files/{name}", s.handleFile)

	s.Server = httptest.NewServer(s.record(mux))
	return s
}

// FailNext makes the next len(statuses) calls to path answer with those statuses.
func (s *Server) FailNext(path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = append(s.failures[path], statuses...)
}

// FailAlways makes every call to path answer with status.
func (s *Server) FailAlways(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = []int{-status}
}

// AddFile registers a file served at FileURL(name). An empty contentType
// leaves the header unset.
func (s *Server) AddFile(name string, contentType string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = mediaFile{contentType: contentType, body: body}
}

func (s *Server) FileURL(name string) string {
	return s.URL + "/files/" + name
}

// Requests returns the calls received so far, optionally filtered by path.
func (s *Server) Requests(path string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, req := range s.requests {
		if path == "" || req.Path == path {
			out = append(out, req)
		}
	}
	return out
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   body,
		})
		status := s.nextFailure(r.URL.Path)
		s.mu.Unlock()

		if status != 0 {
			http.Error(w, `{"errors":[{"code":"scripted"}]}`, status)
			return
		}

		r.Body = io.NopCloser(strings.NewReader(string(body)))
		next.ServeHTTP(w, r)
	})
}

// nextFailure pops the next scripted status for path. Callers hold s.mu.
func (s *Server) nextFailure(path string) int {
	queue := s.failures[path]
	if len(queue) == 0 {
		return 0
	}
	if queue[0] < 0 {
		return -queue[0]
	}
	s.failures[path] = queue[1:]
	return queue[0]
}

func (s *Server) handleMessages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]any{
		"messages": []map[string]string{{"id": uuid.NewString()}},
	})
}

func (s *Server) handleAutomation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]any{})
}

func (s *Server) handleMedia(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]any{
		"media": []map[string]string{{"id": uuid.NewString()}},
	})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	file, ok := s.files[r.PathValue("name")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	if file.contentType != "" {
		w.Header().Set("Content-Type", file.contentType)
	} else {
		// Suppress net/http content sniffing.
		w.Header()["Content-Type"] = nil
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(file.body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
