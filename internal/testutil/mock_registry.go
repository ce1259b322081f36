// Package testutil provides testing utilities for the EGR crawler.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/egr-crawler/pkg/registry"
)

// MockResponse defines the behavior for one mock registry response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration

	// DropConnection closes the TCP connection without writing a response.
	DropConnection bool
}

// MockRegistry is a configurable mock of the registry API. Requests are
// served under /{resource}/{id}; unconfigured paths answer 204 No Content.
type MockRegistry struct {
	server    *httptest.Server
	mu        sync.Mutex
	handlers  map[string]func(w http.ResponseWriter, r *http.Request)
	sequences map[string][]MockResponse
	counts    map[string]int

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
}

// NewMockRegistry creates a new mock registry server.
func NewMockRegistry() *MockRegistry {
	mock := &MockRegistry{
		handlers:  make(map[string]func(w http.ResponseWriter, r *http.Request)),
		sequences: make(map[string][]MockResponse),
		counts:    make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.counts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()

		handler, hasHandler := mock.handlers[r.URL.Path]

		var scripted *MockResponse
		if seq := mock.sequences[r.URL.Path]; len(seq) > 0 {
			resp := seq[0]
			scripted = &resp
			// The last response of a sequence repeats forever.
			if len(seq) > 1 {
				mock.sequences[r.URL.Path] = seq[1:]
			}
		}
		mock.mu.Unlock()

		switch {
		case scripted != nil:
			writeResponse(w, *scripted)
		case hasHandler:
			handler(w, r)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockRegistry) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockRegistry) Close() {
	m.server.Close()
}

// Client returns an HTTP client for the mock server.
func (m *MockRegistry) Client() *http.Client {
	return m.server.Client()
}

// URLTemplates returns lookup URL templates pointing at the mock server.
func (m *MockRegistry) URLTemplates() map[registry.Resource]string {
	templates := make(map[registry.Resource]string, len(registry.Resources))
	for _, res := range registry.Resources {
		templates[res] = m.server.URL + "/" + string(res) + "/{id}"
	}
	return templates
}

// Path returns the request path of resource for id.
func Path(resource registry.Resource, id string) string {
	return "/" + string(resource) + "/" + id
}

// SetHandler sets a custom handler for a specific path.
func (m *MockRegistry) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockRegistry) SetResponse(path string, resp MockResponse) {
	m.SetSequence(path, resp)
}

// SetSequence scripts successive responses for a path; the last one repeats.
func (m *MockRegistry) SetSequence(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[path] = append([]MockResponse(nil), responses...)
}

// SetCompany configures all three resources of id to return the given objects.
func (m *MockRegistry) SetCompany(id string, name, activity, info map[string]any) {
	m.SetResponse(Path(registry.ResourceName, id), NewJSONResponse(name))
	m.SetResponse(Path(registry.ResourceActivity, id), NewJSONResponse(activity))
	m.SetResponse(Path(registry.ResourceInfo, id), NewJSONResponse(info))
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockRegistry) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockRegistry) GetPathCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[path]
}

// GetResourceCount returns the number of requests made to resource across ids.
func (m *MockRegistry) GetResourceCount(resource registry.Resource) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := "/" + string(resource) + "/"
	total := 0
	for path, n := range m.counts {
		if strings.HasPrefix(path, prefix) {
			total += n
		}
	}
	return total
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}

	if resp.DropConnection {
		hj, ok := w.(http.Hijacker)
		if !ok {
			panic("testutil: response writer does not support hijacking")
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
		return
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewJSONResponse creates a 200 OK response whose body is a one-element list.
func NewJSONResponse(obj map[string]any) MockResponse {
	body, err := json.Marshal([]map[string]any{obj})
	if err != nil {
		panic(err)
	}
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       string(body),
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewNoContentResponse creates a 204 response (identifier does not exist).
func NewNoContentResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusNoContent}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Too many requests"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewDroppedConnectionResponse closes the connection without answering.
func NewDroppedConnectionResponse() MockResponse {
	return MockResponse{DropConnection: true}
}
