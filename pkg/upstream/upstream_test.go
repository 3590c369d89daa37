package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBuildURL(t *testing.T) {
	cases := []struct {
		name       string
		base       string
		rewrite    string
		path       string
		query      string
		want       string
	}{
		{"trailing slash trimmed", "http://upstream.local/", "", "/items/1", "", "http://upstream.local/items/1"},
		{"path rewrite applied", "http://upstream.local", "/v2", "/items/1", "", "http://upstream.local/v2/items/1"},
		{"query preserved", "http://upstream.local", "", "/items", "page=2", "http://upstream.local/items?page=2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BuildURL(tc.base, tc.rewrite, tc.path, tc.query)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("BuildURL() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClient_Do_StripsHopByHopAndAppliesOverrides(t *testing.T) {
	var seenHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHeaders = r.Header.Clone()
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := New()
	req := Request{
		Method:          http.MethodGet,
		UpstreamBaseURL: server.URL,
		Path:            "/items",
		Headers: http.Header{
			"X-Forwarded-For": {"1.2.3.4"},
			"X-Drop-Me":       {"please"},
		},
		RequestHeadersRemove: []string{"X-Drop-Me"},
		RequestHeadersAdd:    map[string]string{"X-Tenant": "acme"},
		Timeout:              time.Second,
	}

	resp, err := client.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Headers.Get("Connection") != "" {
		t.Error("expected Connection header to be stripped from response")
	}
	if resp.Headers.Get("X-Upstream") != "yes" {
		t.Error("expected non-hop-by-hop response header to survive")
	}
	if seenHeaders.Get("X-Drop-Me") != "" {
		t.Error("expected X-Drop-Me to be removed before forwarding")
	}
	if seenHeaders.Get("X-Tenant") != "acme" {
		t.Error("expected X-Tenant to be added before forwarding")
	}
}

func TestClient_Do_TimeoutClassifiedAsUpstreamTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New()
	req := Request{
		Method:          http.MethodGet,
		UpstreamBaseURL: server.URL,
		Path:            "/slow",
		Timeout:         10 * time.Millisecond,
	}

	_, err := client.Do(context.Background(), req)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	var upErr *Error
	if !asUpstreamError(err, &upErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if upErr.Tag != ErrUpstreamTimeout {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", upErr.Tag)
	}
}

func TestClient_Do_ConnectionRefusedClassifiedAsUpstreamError(t *testing.T) {
	client := New()
	req := Request{
		Method:          http.MethodGet,
		UpstreamBaseURL: "http://127.0.0.1:1",
		Path:            "/x",
		Timeout:         time.Second,
	}

	_, err := client.Do(context.Background(), req)
	if err == nil {
		t.Fatal("expected a connection error")
	}
	var upErr *Error
	if !asUpstreamError(err, &upErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if upErr.Tag != ErrUpstreamError {
		t.Fatalf("expected ErrUpstreamError, got %v", upErr.Tag)
	}
}

func asUpstreamError(err error, target **Error) bool {
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	return false
}
