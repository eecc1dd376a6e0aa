package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vachhanidhyey/llm-intercept/internal/config"
	"github.com/vachhanidhyey/llm-intercept/internal/record"
)

func newDiagnosticsTestServer(t *testing.T, adminToken string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != diagnosticsEndpointPath {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+adminToken {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error": {"message": "invalid admin token"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(diagnosticsDocument{
			SchemaVersion: "record-pipeline-diagnostics.v1",
			GeneratedAt:   time.Now().UTC(),
			Diagnostics: record.PipelineDiagnostics{
				QueueCapacity:        1024,
				QueueDepth:           3,
				QueuePressureState:   "ok",
				EnqueueAcceptedTotal: 42,
				StoreDriver:          "sqlite",
			},
		})
	}))
}

func TestRunDiagnosticsJSONOutput(t *testing.T) {
	t.Parallel()

	server := newDiagnosticsTestServer(t, "secret-token")
	defer server.Close()

	var out, errOut bytes.Buffer
	code := runDiagnostics([]string{
		"--base-url", server.URL,
		"--admin-token", "secret-token",
		"--format", "json",
	}, &out, &errOut)
	if code != 0 {
		t.Fatalf("diagnostics exit code=%d, stderr=%s", code, errOut.String())
	}

	var document diagnosticsDocument
	if err := json.Unmarshal(out.Bytes(), &document); err != nil {
		t.Fatalf("parse diagnostics json: %v", err)
	}
	if document.Diagnostics.QueueCapacity != 1024 {
		t.Fatalf("queue capacity=%d, want 1024", document.Diagnostics.QueueCapacity)
	}
	if document.Diagnostics.EnqueueAcceptedTotal != 42 {
		t.Fatalf("enqueue accepted=%d, want 42", document.Diagnostics.EnqueueAcceptedTotal)
	}
}

func TestRunDiagnosticsTextOutput(t *testing.T) {
	t.Parallel()

	server := newDiagnosticsTestServer(t, "secret-token")
	defer server.Close()

	var out, errOut bytes.Buffer
	code := runDiagnostics([]string{
		"--base-url", server.URL,
		"--admin-token", "secret-token",
	}, &out, &errOut)
	if code != 0 {
		t.Fatalf("diagnostics exit code=%d, stderr=%s", code, errOut.String())
	}
	for _, want := range []string{"llm-intercept Diagnostics", "Queue pressure", "Enqueue accepted total"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunDiagnosticsSurfacesAuthFailure(t *testing.T) {
	t.Parallel()

	server := newDiagnosticsTestServer(t, "secret-token")
	defer server.Close()

	var out, errOut bytes.Buffer
	code := runDiagnostics([]string{
		"--base-url", server.URL,
		"--admin-token", "wrong-token",
	}, &out, &errOut)
	if code != 1 {
		t.Fatalf("diagnostics exit code=%d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "invalid admin token") {
		t.Fatalf("stderr=%q, want upstream error message", errOut.String())
	}
}

func TestRunDiagnosticsRejectsBadFlags(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer
	if code := runDiagnostics([]string{"--format", "yaml"}, &out, &errOut); code != 2 {
		t.Fatalf("exit code=%d, want 2 for bad format", code)
	}

	errOut.Reset()
	if code := runDiagnostics([]string{"--timeout", "0s", "--base-url", "http://localhost:1"}, &out, &errOut); code != 2 {
		t.Fatalf("exit code=%d, want 2 for zero timeout", code)
	}
}

func TestNormalizeDiagnosticsBaseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "plain", raw: "http://localhost:8080", want: "http://localhost:8080"},
		{name: "trailing slash", raw: "http://localhost:8080/", want: "http://localhost:8080"},
		{name: "query and fragment stripped", raw: "https://proxy.internal:8443/base?x=1#frag", want: "https://proxy.internal:8443/base"},
		{name: "missing scheme", raw: "localhost:8080", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
		{name: "unsupported scheme", raw: "ftp://host", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := normalizeDiagnosticsBaseURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("normalizeDiagnosticsBaseURL(%q) expected error, got %q", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeDiagnosticsBaseURL(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("normalizeDiagnosticsBaseURL(%q)=%q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestInterceptBaseURL(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	if got := interceptBaseURL(cfg); got != "http://localhost:8080" {
		t.Fatalf("interceptBaseURL()=%q, want %q", got, "http://localhost:8080")
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9090
	if got := interceptBaseURL(cfg); got != "http://127.0.0.1:9090" {
		t.Fatalf("interceptBaseURL()=%q", got)
	}

	cfg.Server.Host = "::1"
	if got := interceptBaseURL(cfg); got != "http://[::1]:9090" {
		t.Fatalf("interceptBaseURL()=%q, want bracketed ipv6", got)
	}
}
