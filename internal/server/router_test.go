package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pangeafate/ObsidianComments-sub004/internal/auth"
	"github.com/pangeafate/ObsidianComments-sub004/internal/database"
	"github.com/pangeafate/ObsidianComments-sub004/internal/documents"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()

	db, err := database.OpenSQLite("file::memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := documents.NewStore(documents.StoreConfig{
		Database:   db,
		IDProvider: documents.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	hub, err := NewHub(HubConfig{
		Store:    store,
		Debounce: 20 * time.Millisecond,
		MaxWait:  100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build hub: %v", err)
	}
	t.Cleanup(hub.Close)
	return hub
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	gin.SetMode(gin.TestMode)

	if _, err := NewHTTPHandler(Dependencies{Verifier: auth.NewVerifier(auth.VerifierConfig{})}); err == nil {
		t.Fatal("expected missing hub to be rejected")
	}
	if _, err := NewHTTPHandler(Dependencies{Hub: newTestHub(t)}); err == nil {
		t.Fatal("expected missing verifier to be rejected")
	}
}

func TestHealthEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	fixedNow := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	handler, err := NewHTTPHandler(Dependencies{
		Hub:         newTestHub(t),
		Verifier:    auth.NewVerifier(auth.VerifierConfig{}),
		ServiceName: "obsidian-collab",
		Clock:       func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/health", nil)
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["status"] != "ok" || body["service"] != "obsidian-collab" {
		t.Fatalf("unexpected health body: %v", body)
	}
	if body["timestamp"] != fixedNow.Format(time.RFC3339) {
		t.Fatalf("unexpected timestamp: %q", body["timestamp"])
	}
}

func TestSyncRejectsUnknownToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler, err := NewHTTPHandler(Dependencies{
		Hub:      newTestHub(t),
		Verifier: auth.NewVerifier(auth.VerifierConfig{SharedToken: "collab-secret"}),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/sync/doc-1?token=wrong", nil)
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestSyncAcceptsSharedTokenFromBearerHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler, err := NewHTTPHandler(Dependencies{
		Hub:      newTestHub(t),
		Verifier: auth.NewVerifier(auth.VerifierConfig{SharedToken: "collab-secret"}),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	// No websocket handshake headers, so an authorized request fails at the
	// upgrade instead of with 401.
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/sync/doc-1", nil)
	request.Header.Set("Authorization", "Bearer collab-secret")
	handler.ServeHTTP(recorder, request)

	if recorder.Code == http.StatusUnauthorized {
		t.Fatal("expected shared token from header to be accepted")
	}
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected failed upgrade to report 400, got %d", recorder.Code)
	}
}
