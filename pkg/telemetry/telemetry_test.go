package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, middleware, err := Init(context.Background(), "ledger-test", "", zerolog.Nop())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if middleware == nil {
		t.Fatal("Init() returned nil middleware")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestMiddlewareLogsRequests(t *testing.T) {
	var buf bytes.Buffer
	handler := Middleware("ledger-test", zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["path"] != "/healthz" {
		t.Fatalf("path = %v, want /healthz", entry["path"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("status field = %v", entry["status"])
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, _, err := Init(context.Background(), "", "", zerolog.Nop()); err == nil {
		t.Fatal("Init() succeeded without a service name")
	}
}
