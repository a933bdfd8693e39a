package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MarcoPoloResearchLab/tally/internal/archive"
	"github.com/MarcoPoloResearchLab/tally/internal/auth"
	"github.com/MarcoPoloResearchLab/tally/internal/counter"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var testDatabaseSequence int64

type testFixture struct {
	handler        http.Handler
	archiveService *archive.Service
	counterService *counter.Service
	tokens         *auth.OperatorTokens
}

func newTestFixture(t *testing.T) testFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDatabaseSequence, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	models := append(archive.Models(), counter.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := archive.NewContentStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create content store: %v", err)
	}
	archiveService, err := archive.NewService(archive.ServiceConfig{Database: db, Content: store})
	if err != nil {
		t.Fatalf("failed to create archive service: %v", err)
	}
	counterService, err := counter.NewService(counter.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create counter service: %v", err)
	}
	tokens := auth.NewOperatorTokens(auth.OperatorTokensConfig{SigningSecret: []byte("test-secret")})

	handler, err := NewHTTPHandler(Dependencies{
		ArchiveService: archiveService,
		CounterService: counterService,
		Tokens:         tokens,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return testFixture{
		handler:        handler,
		archiveService: archiveService,
		counterService: counterService,
		tokens:         tokens,
	}
}

func (f testFixture) get(t *testing.T, path string, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if authorized {
		token, err := f.tokens.Issue("ops@example.com")
		if err != nil {
			t.Fatalf("failed to issue token: %v", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthEndpointIsOpen(t *testing.T) {
	fixture := newTestFixture(t)
	recorder := fixture.get(t, "/healthz", false)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestReportEndpointsRequireToken(t *testing.T) {
	fixture := newTestFixture(t)
	for _, path := range []string{"/archive/1", "/archive/stats", "/archive/activity", "/counters?pattern=.", "/counters/widget"} {
		recorder := fixture.get(t, path, false)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s, got %d", path, recorder.Code)
		}
	}
}

func TestArchiveItemEndpoint(t *testing.T) {
	fixture := newTestFixture(t)
	if _, err := fixture.archiveService.Publish(context.Background(), "a published line", "alice"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	recorder := fixture.get(t, "/archive/1", true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["text"] != "a published line" || payload["created_by"] != "alice" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	if recorder := fixture.get(t, "/archive/99", true); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing item, got %d", recorder.Code)
	}
	if recorder := fixture.get(t, "/archive/abc", true); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", recorder.Code)
	}
}

func TestArchiveStatsEndpoint(t *testing.T) {
	fixture := newTestFixture(t)
	for _, text := range []string{"first", "second"} {
		if _, err := fixture.archiveService.Publish(context.Background(), text, "alice"); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	recorder := fixture.get(t, "/archive/stats", true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload struct {
		Creators []struct {
			Creator string `json:"creator"`
			Count   int64  `json:"count"`
		} `json:"creators"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Creators) != 1 || payload.Creators[0].Creator != "alice" || payload.Creators[0].Count != 2 {
		t.Fatalf("unexpected stats payload: %+v", payload)
	}
}

func TestCounterEndpoints(t *testing.T) {
	fixture := newTestFixture(t)
	if _, err := fixture.counterService.Adjust(context.Background(), "widget", counter.DirectionUp, "alice", nil); err != nil {
		t.Fatalf("adjust failed: %v", err)
	}

	recorder := fixture.get(t, "/counters/WIDGET", true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var peek struct {
		Subject string `json:"subject"`
		Value   int64  `json:"value"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &peek); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if peek.Subject != "widget" || peek.Value != 1 {
		t.Fatalf("unexpected peek payload: %+v", peek)
	}

	if recorder := fixture.get(t, "/counters/unknown", true); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown subject, got %d", recorder.Code)
	}

	if recorder := fixture.get(t, "/counters", true); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a pattern, got %d", recorder.Code)
	}
	if recorder := fixture.get(t, "/counters?pattern=%5B", true); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed pattern, got %d", recorder.Code)
	}

	recorder = fixture.get(t, "/counters?pattern=wid", true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var query struct {
		Counters []struct {
			Subject string `json:"subject"`
			Value   int64  `json:"value"`
		} `json:"counters"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &query); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(query.Counters) != 1 || query.Counters[0].Subject != "widget" {
		t.Fatalf("unexpected query payload: %+v", query)
	}
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected missing dependencies to be rejected")
	}
}
