package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"voicebridge/internal/call"
	"voicebridge/internal/calllog"

	"github.com/gin-gonic/gin"
)

// pingableRepo stands in for a database-backed record store.
type pingableRepo struct {
	*calllog.MemoryRepo
	pingErr error
}

func (r *pingableRepo) Ping(context.Context) error { return r.pingErr }

func newHealthRouter(records calllog.Repository) *gin.Engine {
	gin.SetMode(gin.TestMode)
	core := call.NewCore(call.CoreConfig{}, nil, nil, nil, records, nil, nil)
	r := gin.New()
	r.GET("/health", healthHandler(core, records))
	return r
}

func getHealth(t *testing.T, r *gin.Engine) map[string]any {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	return body
}

func TestHealthWithMemoryStore(t *testing.T) {
	body := getHealth(t, newHealthRouter(calllog.NewMemoryRepo()))
	if body["status"] != "ok" {
		t.Fatalf("expected ok status, got %v", body["status"])
	}
	if _, present := body["records"]; present {
		t.Fatalf("memory store must not report a records field, got %v", body)
	}
}

func TestHealthReportsRecordStore(t *testing.T) {
	repo := &pingableRepo{MemoryRepo: calllog.NewMemoryRepo()}
	r := newHealthRouter(repo)

	body := getHealth(t, r)
	if body["status"] != "ok" || body["records"] != "ok" {
		t.Fatalf("expected healthy store, got %v", body)
	}

	repo.pingErr = errors.New("connection refused")
	body = getHealth(t, r)
	if body["status"] != "degraded" || body["records"] != "unreachable" {
		t.Fatalf("expected degraded status, got %v", body)
	}
}
