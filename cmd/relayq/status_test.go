package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRunStatusCommand_Healthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("path = %q, want /healthz", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"healthy":true}`))
	}))
	defer ts.Close()
	t.Setenv("RELAYQ_HOME", t.TempDir())
	t.Setenv("RELAYQ_BIND_ADDR", ts.URL)

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("code = %d, want 0", code)
	}
}

func TestRunStatusCommand_Unhealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"healthy":false}`))
	}))
	defer ts.Close()
	t.Setenv("RELAYQ_HOME", t.TempDir())
	t.Setenv("RELAYQ_BIND_ADDR", ts.URL)

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
}

func TestRunStatusCommand_RejectsArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
}
