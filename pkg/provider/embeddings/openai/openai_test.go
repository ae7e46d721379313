package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// embeddingsStub records request bodies and serves canned embedding lists.
type embeddingsStub struct {
	mu       sync.Mutex
	requests []map[string]any
	respond  func(req map[string]any) string
}

func (s *embeddingsStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, s.respond(req))
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New with empty APIKey succeeded, want error")
	}
}

func TestEmbed_SendsDimensionsOverride(t *testing.T) {
	stub := &embeddingsStub{respond: func(map[string]any) string {
		return `{"object":"list","model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":0,"embedding":[0.1,0.2]}]}`
	}}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	p, err := New(Config{APIKey: "test-key", BaseURL: srv.URL, Dimensions: 256})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Dimensions(); got != 256 {
		t.Errorf("Dimensions() = %d, want 256", got)
	}

	vec, err := p.Embed(context.Background(), "what is talaria")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.1 {
		t.Errorf("vector = %v, want [0.1 0.2]", vec)
	}

	if len(stub.requests) != 1 {
		t.Fatalf("got %d requests, want 1", len(stub.requests))
	}
	if dims, ok := stub.requests[0]["dimensions"].(float64); !ok || int(dims) != 256 {
		t.Errorf("request dimensions = %v, want 256", stub.requests[0]["dimensions"])
	}
}

func TestEmbedBatch_OrdersByResponseIndex(t *testing.T) {
	// Indices come back shuffled; the provider must reorder by index.
	stub := &embeddingsStub{respond: func(map[string]any) string {
		return `{"object":"list","model":"text-embedding-3-small","data":[
			{"object":"embedding","index":2,"embedding":[3]},
			{"object":"embedding","index":0,"embedding":[1]},
			{"object":"embedding","index":1,"embedding":[2]}]}`
	}}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	p, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	for i, want := range []float32{1, 2, 3} {
		if len(vecs[i]) != 1 || vecs[i][0] != want {
			t.Errorf("vecs[%d] = %v, want [%v]", i, vecs[i], want)
		}
	}
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	p, err := New(Config{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vecs, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v; want nil, nil", vecs, err)
	}
}

func TestDimensions_NativeWidths(t *testing.T) {
	cases := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		{"someone-elses-model", 1536},
	}
	for _, tc := range cases {
		p, err := New(Config{APIKey: "test-key", Model: tc.model})
		if err != nil {
			t.Fatalf("New(%q): %v", tc.model, err)
		}
		if got := p.Dimensions(); got != tc.want {
			t.Errorf("Dimensions(%q) = %d, want %d", tc.model, got, tc.want)
		}
	}
}
