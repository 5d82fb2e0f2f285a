package todos

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustTenantID(t *testing.T, value string) TenantID {
	t.Helper()
	id, err := NewTenantID(value)
	if err != nil {
		t.Fatalf("unexpected tenant id error: %v", err)
	}
	return id
}

func mustTodoID(t *testing.T, value string) TodoID {
	t.Helper()
	id, err := NewTodoID(value)
	if err != nil {
		t.Fatalf("unexpected todo id error: %v", err)
	}
	return id
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:driftsync_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Todo{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestChangeLog(t *testing.T) (*ChangeLog, *gorm.DB) {
	t.Helper()

	db := newTestDatabase(t)
	log, err := NewChangeLog(ChangeLogConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct change log: %v", err)
	}
	return log, db
}
