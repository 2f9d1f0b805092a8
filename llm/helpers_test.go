package llm

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
)

// recordedServer replays one canned response per request, in order, and
// keeps the request bodies. The last response repeats when the list runs out.
type recordedServer struct {
	*httptest.Server

	mu        sync.Mutex
	responses []cannedResponse
	bodies    [][]byte
	headers   []http.Header
	paths     []string
}

type cannedResponse struct {
	status int
	body   string
	// chunk splits the body into writes of this size when positive.
	chunk int
}

func ok(body string) cannedResponse { return cannedResponse{status: http.StatusOK, body: body, chunk: 7} }

func status(code int, body string) cannedResponse {
	return cannedResponse{status: code, body: body}
}

func newRecordedServer(t *testing.T, responses ...cannedResponse) *recordedServer {
	t.Helper()
	s := &recordedServer{responses: responses}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *recordedServer) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	n := len(s.bodies)
	s.bodies = append(s.bodies, body)
	s.headers = append(s.headers, r.Header.Clone())
	s.paths = append(s.paths, r.URL.RequestURI())
	resp := s.responses[min(n, len(s.responses)-1)]
	s.mu.Unlock()

	w.WriteHeader(resp.status)
	flusher, _ := w.(http.Flusher)
	data := resp.body
	size := resp.chunk
	if size <= 0 {
		size = len(data)
	}
	for len(data) > 0 {
		k := min(size, len(data))
		_, _ = io.WriteString(w, data[:k])
		if flusher != nil {
			flusher.Flush()
		}
		data = data[k:]
	}
}

func (s *recordedServer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

func (s *recordedServer) body(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[i]
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

// sse joins data payloads into a text event stream using delim.
func sse(delim string, events ...string) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString("data: ")
		b.WriteString(e)
		b.WriteString(delim)
	}
	return b.String()
}

// partialLog records partial content as "type:position[:content]" strings.
type partialLog struct {
	mu      sync.Mutex
	entries []string
}

func (p *partialLog) record(pc PartialContent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := string(pc.Type) + ":" + string(pc.Position)
	if pc.Content != "" {
		entry += ":" + pc.Content
	}
	p.entries = append(p.entries, entry)
}
