package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/canopyflow/canopy/internal/errorhandling"
)

func TestWebhookExecutorSignsPayload(t *testing.T) {
	payload := json.RawMessage(`{"event":"deploy","version":3}`)
	wantSig := SignPayload("shared-secret", payload)

	var gotSig, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Hook-Sig")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	}))
	defer server.Close()

	e := &WebhookExecutor{guard: allowAll}
	cfg, _ := json.Marshal(map[string]interface{}{
		"url":              server.URL,
		"payload":          payload,
		"secret":           "shared-secret",
		"signature_header": "X-Hook-Sig",
	})

	if _, err := e.Execute(context.Background(), cfg, RunContext{}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if gotSig != wantSig {
		t.Errorf("signature mismatch: got %s, want %s", gotSig, wantSig)
	}
	if gotBody != string(payload) {
		t.Errorf("payload altered in flight: %s", gotBody)
	}
}

func TestWebhookExecutorDefaultSignatureHeader(t *testing.T) {
	var gotSig string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(defaultSignatureHeader)
	}))
	defer server.Close()

	e := &WebhookExecutor{guard: allowAll}
	cfg, _ := json.Marshal(map[string]interface{}{
		"url":    server.URL,
		"secret": "s",
	})

	if _, err := e.Execute(context.Background(), cfg, RunContext{}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if gotSig == "" {
		t.Error("signature missing from default header")
	}
}

func TestWebhookExecutorNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	e := &WebhookExecutor{guard: allowAll}
	cfg, _ := json.Marshal(map[string]string{"url": server.URL})

	_, err := e.Execute(context.Background(), cfg, RunContext{})
	if errorhandling.KindOf(err) != errorhandling.KindExecutorFailure {
		t.Errorf("expected executor_failure, got %v", err)
	}
}
