package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/perigeelabs/driftsync/internal/todos"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubTokenValidator struct {
	tenants map[string]string
}

func (v stubTokenValidator) ValidateToken(token string) (string, error) {
	tenant, ok := v.tenants[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return tenant, nil
}

func newSyncTestServer(t *testing.T) (*httptest.Server, *ChangeNotifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:driftsync_router_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&todos.Todo{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	changeLog, err := todos.NewChangeLog(todos.ChangeLogConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct change log: %v", err)
	}
	notifier := NewChangeNotifier()
	engine, err := todos.NewEngine(todos.EngineConfig{ChangeLog: changeLog, Publisher: notifier})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens: stubTokenValidator{tenants: map[string]string{
			"token-a": "tenant-a",
			"token-b": "tenant-b",
		}},
		Engine:   engine,
		Notifier: notifier,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, notifier
}

func pushChanges(t *testing.T, server *httptest.Server, token string, changes []map[string]any) *http.Response {
	t.Helper()
	body, err := json.Marshal(map[string]any{"changes": changes})
	if err != nil {
		t.Fatalf("failed to encode push body: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, server.URL+"/todos/sync", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to construct push request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("push request failed: %v", err)
	}
	return response
}

func pullRecords(t *testing.T, server *httptest.Server, token, query string) (pullResponsePayload, int) {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, server.URL+"/todos/sync"+query, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct pull request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("pull request failed: %v", err)
	}
	defer response.Body.Close()

	var payload pullResponsePayload
	if response.StatusCode == http.StatusOK {
		if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode pull response: %v", err)
		}
	}
	return payload, response.StatusCode
}

func TestPushThenPullRoundTrip(t *testing.T) {
	server, _ := newSyncTestServer(t)

	response := pushChanges(t, server, "token-a", []map[string]any{
		{"id": "todo-1", "text": "buy milk", "isDone": false, "updatedAt": 100},
	})
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected push status: %d", response.StatusCode)
	}
	var pushed pushResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&pushed); err != nil {
		t.Fatalf("failed to decode push response: %v", err)
	}
	if !pushed.Success {
		t.Fatalf("expected push success")
	}

	payload, status := pullRecords(t, server, "token-a", "?checkpoint=0")
	if status != http.StatusOK {
		t.Fatalf("unexpected pull status: %d", status)
	}
	if len(payload.Records) != 1 || payload.Records[0].ID != "todo-1" {
		t.Fatalf("unexpected pull payload: %#v", payload)
	}
	if payload.Checkpoint < 100 {
		t.Fatalf("expected checkpoint >= 100, got %d", payload.Checkpoint)
	}

	update := pushChanges(t, server, "token-a", []map[string]any{
		{"id": "todo-1", "text": "buy milk", "isDone": true, "updatedAt": 200},
	})
	_ = update.Body.Close()

	next, status := pullRecords(t, server, "token-a", fmt.Sprintf("?checkpoint=%d", payload.Checkpoint))
	if status != http.StatusOK {
		t.Fatalf("unexpected pull status: %d", status)
	}
	if len(next.Records) != 1 || !next.Records[0].IsDone {
		t.Fatalf("expected only the updated record, got %#v", next.Records)
	}
}

func TestPullNeverCrossesTenants(t *testing.T) {
	server, _ := newSyncTestServer(t)

	response := pushChanges(t, server, "token-a", []map[string]any{
		{"id": "todo-1", "text": "tenant a only", "updatedAt": 100, "tenantId": "tenant-b"},
	})
	_ = response.Body.Close()

	payload, status := pullRecords(t, server, "token-b", "?checkpoint=0")
	if status != http.StatusOK {
		t.Fatalf("unexpected pull status: %d", status)
	}
	if len(payload.Records) != 0 {
		t.Fatalf("tenant-b must not see tenant-a records: %#v", payload.Records)
	}

	own, _ := pullRecords(t, server, "token-a", "?checkpoint=0")
	if len(own.Records) != 1 || own.Records[0].TenantID != "tenant-a" {
		t.Fatalf("expected the record under the authenticated tenant, got %#v", own.Records)
	}
}

func TestPushRejectsEmptyAndOversizedBatches(t *testing.T) {
	server, _ := newSyncTestServer(t)

	empty := pushChanges(t, server, "token-a", []map[string]any{})
	defer empty.Body.Close()
	if empty.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty batch, got %d", empty.StatusCode)
	}

	oversized := make([]map[string]any, todos.MaxBatchSize+1)
	for i := range oversized {
		oversized[i] = map[string]any{"id": fmt.Sprintf("todo-%d", i), "updatedAt": i + 1}
	}
	tooBig := pushChanges(t, server, "token-a", oversized)
	defer tooBig.Body.Close()
	if tooBig.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized batch, got %d", tooBig.StatusCode)
	}
}

func TestPullActiveOnlyFiltersFirstPage(t *testing.T) {
	server, _ := newSyncTestServer(t)

	response := pushChanges(t, server, "token-a", []map[string]any{
		{"id": "todo-open", "text": "open", "updatedAt": 100},
		{"id": "todo-done", "text": "done", "isDone": true, "updatedAt": 200},
		{"id": "todo-gone", "text": "gone", "deleted": true, "updatedAt": 300},
	})
	_ = response.Body.Close()

	priority, status := pullRecords(t, server, "token-a", "?checkpoint=0&active_only=true")
	if status != http.StatusOK {
		t.Fatalf("unexpected pull status: %d", status)
	}
	if len(priority.Records) != 1 || priority.Records[0].ID != "todo-open" {
		t.Fatalf("priority pull returned withheld records: %#v", priority.Records)
	}

	full, _ := pullRecords(t, server, "token-a", "?checkpoint=0")
	if len(full.Records) != 3 {
		t.Fatalf("unrestricted pull should include withheld records, got %d", len(full.Records))
	}
}
