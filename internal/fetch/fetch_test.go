package fetch

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orogene/orogene-sub001/internal/engconfig"
)

func testConfig() engconfig.Config {
	cfg := engconfig.Default()
	cfg.HTTP.MaxRetries = 2
	cfg.HTTP.ConnectTimeout = 2 * time.Second
	return cfg
}

func TestNerfDart(t *testing.T) {
	u, _ := url.Parse("https://registry.example.com/some/path")
	if got, want := nerfDart(u), "//registry.example.com/some/path"; got != want {
		t.Fatalf("nerfDart = %q, want %q", got, want)
	}
}

func TestGetSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got == "" {
			t.Error("missing Accept header")
		}
		if got := r.Header.Get("X-Oro-Registry"); got == "" {
			t.Error("missing X-Oro-Registry header")
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"name":"pkg"}`))
	}))
	defer srv.Close()

	c := New(testConfig())
	resp, err := c.Get(context.Background(), srv.URL, srv.URL+"/pkg", Options{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestGet4xxNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(testConfig())
	_, err := c.Get(context.Background(), srv.URL, srv.URL+"/missing", Options{})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (4xx must not retry)", calls)
	}
}

func TestGet5xxRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(testConfig())
	resp, err := c.Get(context.Background(), srv.URL, srv.URL+"/pkg", Options{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if calls < 2 {
		t.Fatalf("calls = %d, want >= 2 (5xx must retry)", calls)
	}
}

func TestApplyAuthAttachesCredentialsInScope(t *testing.T) {
	reg, _ := url.Parse("https://registry.example.com/")
	c := &Client{creds: map[string]engconfig.Credentials{
		"//registry.example.com/": {Username: "alice", Password: "hunter2"},
	}}
	req, _ := http.NewRequest(http.MethodGet, "https://registry.example.com/pkg", nil)
	c.applyAuth(req, reg)

	got := req.Header.Get("Authorization")
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:hunter2"))
	if got != want {
		t.Fatalf("Authorization = %q, want %q", got, want)
	}
}

func TestApplyAuthTokenPreferredOverBasic(t *testing.T) {
	reg, _ := url.Parse("https://registry.example.com/")
	c := &Client{creds: map[string]engconfig.Credentials{
		"//registry.example.com/": {Token: "abc123", Username: "alice", Password: "hunter2"},
	}}
	req, _ := http.NewRequest(http.MethodGet, "https://registry.example.com/pkg", nil)
	c.applyAuth(req, reg)

	if got := req.Header.Get("Authorization"); got != "Bearer abc123" {
		t.Fatalf("Authorization = %q, want Bearer abc123", got)
	}
}

func TestApplyAuthStrippedCrossOrigin(t *testing.T) {
	reg, _ := url.Parse("https://registry.example.com/")
	c := &Client{creds: map[string]engconfig.Credentials{
		"//registry.example.com/": {Token: "secret-token"},
	}}

	req, _ := http.NewRequest(http.MethodGet, "https://cdn.other.com/tarball.tgz", nil)
	c.applyAuth(req, reg)
	if got := req.Header.Get("Authorization"); got != "" {
		t.Fatalf("credentials leaked cross-origin: Authorization = %q", got)
	}
}

func TestApplyAuthStrippedOutsidePathPrefix(t *testing.T) {
	reg, _ := url.Parse("https://registry.example.com/scoped/")
	c := &Client{creds: map[string]engconfig.Credentials{
		"//registry.example.com/scoped/": {Token: "secret-token"},
	}}

	req, _ := http.NewRequest(http.MethodGet, "https://registry.example.com/other/pkg", nil)
	c.applyAuth(req, reg)
	if got := req.Header.Get("Authorization"); got != "" {
		t.Fatalf("credentials leaked outside path prefix: Authorization = %q", got)
	}
}
