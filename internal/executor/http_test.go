package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/canopyflow/canopy/internal/errorhandling"
)

func allowAll(string) error { return nil }

func TestHTTPExecutorSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "yes" {
			t.Errorf("header not forwarded")
		}
		if r.URL.Query().Get("page") != "2" {
			t.Errorf("query param not forwarded")
		}
		w.Header().Set("Authorization", "Bearer secret")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	e := &HTTPExecutor{guard: allowAll}
	cfg, _ := json.Marshal(map[string]interface{}{
		"method":  "GET",
		"url":     server.URL,
		"headers": map[string]string{"X-Test": "yes"},
		"query":   map[string]string{"page": "2"},
	})

	result, err := e.Execute(context.Background(), cfg, RunContext{})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	var out httpOutput
	if err := json.Unmarshal([]byte(result.Output), &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if out.StatusCode != 200 || !out.Success {
		t.Errorf("unexpected envelope: %+v", out)
	}
	if out.Headers["Authorization"] != "***" {
		t.Errorf("auth header not masked: %q", out.Headers["Authorization"])
	}
}

func TestHTTPExecutorNon2xxIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	e := &HTTPExecutor{guard: allowAll}
	cfg, _ := json.Marshal(map[string]string{"url": server.URL})

	_, err := e.Execute(context.Background(), cfg, RunContext{})
	if errorhandling.KindOf(err) != errorhandling.KindExecutorFailure {
		t.Errorf("expected executor_failure, got %v", err)
	}
}

func TestHTTPExecutorBlocksPrivateHosts(t *testing.T) {
	e := NewHTTPExecutor()

	for _, target := range []string{
		"http://localhost:8080/admin",
		"http://127.0.0.1/",
		"http://10.1.2.3/metadata",
		"http://192.168.0.1/",
		"http://172.16.5.5/",
		"http://[::1]/",
	} {
		cfg, _ := json.Marshal(map[string]string{"url": target})
		_, err := e.Execute(context.Background(), cfg, RunContext{})
		if errorhandling.KindOf(err) != errorhandling.KindSSRFBlocked {
			t.Errorf("%s: expected ssrf_blocked, got %v", target, err)
		}
	}
}

func TestHTTPExecutorRejectsBadScheme(t *testing.T) {
	e := NewHTTPExecutor()
	cfg, _ := json.Marshal(map[string]string{"url": "ftp://example.com/file"})

	_, err := e.Execute(context.Background(), cfg, RunContext{})
	if errorhandling.KindOf(err) != errorhandling.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestClampTimeout(t *testing.T) {
	cases := []struct {
		ms   int
		want string
	}{
		{0, "30s"},
		{500, "1s"},
		{5000, "5s"},
		{900000, "5m0s"},
	}
	for _, tc := range cases {
		if got := clampTimeout(tc.ms).String(); got != tc.want {
			t.Errorf("clampTimeout(%d) = %s, want %s", tc.ms, got, tc.want)
		}
	}
}
