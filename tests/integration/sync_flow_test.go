package integration_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/perigeelabs/driftsync/internal/auth"
	"github.com/perigeelabs/driftsync/internal/replica"
	"github.com/perigeelabs/driftsync/internal/server"
	"github.com/perigeelabs/driftsync/internal/todos"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	signingSecret = "integration-secret"
	tokenIssuer   = "driftsync-auth"
	tokenAudience = "driftsync-api"
)

type syncFixture struct {
	server       *httptest.Server
	tokenManager *auth.TokenManager
}

func newSyncFixture(t *testing.T, databaseName string) *syncFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", databaseName)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&todos.Todo{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	tokenManager, err := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct token manager: %v", err)
	}

	changeLog, err := todos.NewChangeLog(todos.ChangeLogConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct change log: %v", err)
	}

	notifier := server.NewChangeNotifier()
	engine, err := todos.NewEngine(todos.EngineConfig{
		ChangeLog: changeLog,
		Publisher: notifier,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:   tokenManager,
		Engine:   engine,
		Notifier: notifier,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)

	return &syncFixture{server: testServer, tokenManager: tokenManager}
}

func (f *syncFixture) newSession(t *testing.T, tenantID string) *replica.Coordinator {
	t.Helper()

	token, _, err := f.tokenManager.IssueTenantToken(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	transport, err := replica.NewHTTPTransport(replica.HTTPTransportConfig{
		BaseURL:     f.server.URL,
		AccessToken: token,
		Client:      f.server.Client(),
		RetryDelay:  50 * time.Millisecond,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct transport: %v", err)
	}

	store, err := replica.NewStore(replica.StoreConfig{
		TenantID:   tenantID,
		IDProvider: todos.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	session, err := replica.NewCoordinator(replica.CoordinatorConfig{
		Store:         store,
		Transport:     transport,
		Logger:        zap.NewNop(),
		PullInterval:  time.Hour,
		RetryDelay:    50 * time.Millisecond,
		PriorityDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("failed to start coordinator: %v", err)
	}
	t.Cleanup(session.Close)
	return session
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func findRecord(records []todos.Record, id string) (todos.Record, bool) {
	for _, record := range records {
		if record.ID == id {
			return record, true
		}
	}
	return todos.Record{}, false
}

func TestTwoReplicasConvergeThroughCentralStore(t *testing.T) {
	fixture := newSyncFixture(t, "integration_converge")

	writer := fixture.newSession(t, "tenant-1")
	reader := fixture.newSession(t, "tenant-1")

	created, err := writer.Store().Create("shared across replicas")
	if err != nil {
		t.Fatalf("failed to create record: %v", err)
	}

	// The change notification stream carries the edit to the second replica
	// without waiting for its poll interval.
	waitFor(t, "the record to reach the other replica", func() bool {
		_, ok := findRecord(reader.Store().Snapshot(), created.ID)
		return ok
	})

	if _, err := reader.Store().SetDone(created.ID, true); err != nil {
		t.Fatalf("failed to complete record: %v", err)
	}

	waitFor(t, "the completion to flow back", func() bool {
		record, ok := findRecord(writer.Store().Snapshot(), created.ID)
		return ok && record.IsDone
	})
}

func TestDeletionPropagatesAsTombstone(t *testing.T) {
	fixture := newSyncFixture(t, "integration_tombstone")

	writer := fixture.newSession(t, "tenant-1")
	reader := fixture.newSession(t, "tenant-1")

	created, err := writer.Store().Create("doomed")
	if err != nil {
		t.Fatalf("failed to create record: %v", err)
	}
	waitFor(t, "the record to reach the other replica", func() bool {
		_, ok := findRecord(reader.Store().Snapshot(), created.ID)
		return ok
	})

	if _, err := writer.Store().Delete(created.ID); err != nil {
		t.Fatalf("failed to delete record: %v", err)
	}

	waitFor(t, "the tombstone to propagate", func() bool {
		record, ok := findRecord(reader.Store().Snapshot(), created.ID)
		return ok && record.Deleted
	})
}

func TestTenantsNeverObserveEachOther(t *testing.T) {
	fixture := newSyncFixture(t, "integration_isolation")

	alpha := fixture.newSession(t, "tenant-alpha")
	beta := fixture.newSession(t, "tenant-beta")

	created, err := alpha.Store().Create("alpha only")
	if err != nil {
		t.Fatalf("failed to create record: %v", err)
	}

	waitFor(t, "the writer's own pull to confirm the record", func() bool {
		record, ok := findRecord(alpha.Store().Snapshot(), created.ID)
		return ok && record.TenantID == "tenant-alpha"
	})

	// Give the other tenant's session time to have pulled anything wrongly
	// fanned out before asserting its store stayed empty.
	time.Sleep(300 * time.Millisecond)
	if got := len(beta.Store().Snapshot()); got != 0 {
		t.Fatalf("tenant isolation violated: foreign replica holds %d records", got)
	}
}

func TestColdReplicaBootstrapsFullHistory(t *testing.T) {
	fixture := newSyncFixture(t, "integration_bootstrap")

	writer := fixture.newSession(t, "tenant-1")

	active, err := writer.Store().Create("still open")
	if err != nil {
		t.Fatalf("failed to create record: %v", err)
	}
	done, err := writer.Store().Create("finished")
	if err != nil {
		t.Fatalf("failed to create record: %v", err)
	}
	if _, err := writer.Store().SetDone(done.ID, true); err != nil {
		t.Fatalf("failed to complete record: %v", err)
	}

	waitFor(t, "the writer to drain its pending edits", func() bool {
		return len(writer.Store().Pending()) == 0
	})

	// A fresh replica starts from checkpoint zero and must end up holding the
	// full history, completed records included.
	late := fixture.newSession(t, "tenant-1")
	waitFor(t, "the late replica to hold both records", func() bool {
		snapshot := late.Store().Snapshot()
		activeCopy, okActive := findRecord(snapshot, active.ID)
		doneCopy, okDone := findRecord(snapshot, done.ID)
		return okActive && !activeCopy.IsDone && okDone && doneCopy.IsDone
	})
}
