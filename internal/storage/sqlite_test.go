package storage

import (
	"path/filepath"
	"testing"
	"time"

	"module/internal/flow"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "flows.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testSnapshot(id uint64, host string) flow.Snapshot {
	return flow.Snapshot{
		ID:         id,
		StartTime:  time.Now(),
		ClientAddr: "127.0.0.1:1234",
		Scheme:     flow.SchemeHTTPS,
		Host:       host,
		Port:       443,
		Method:     "GET",
		URL:        "https://" + host + "/",
		Status:     200,
		Tags:       []string{"cert_error"},
		Complete:   true,
	}
}

func TestSaveAndListFlows(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveFlow(testSnapshot(1, "api.example.com")); err != nil {
		t.Fatalf("SaveFlow() error = %v", err)
	}
	if err := store.SaveFlow(testSnapshot(2, "other.test.com")); err != nil {
		t.Fatalf("SaveFlow() error = %v", err)
	}

	records, err := store.ListFlows(ListFlowsOptions{})
	if err != nil {
		t.Fatalf("ListFlows() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].ID != 2 {
		t.Errorf("records[0].ID = %d, want 2 (most recent first)", records[0].ID)
	}
}

func TestSaveFlowUpsertsByID(t *testing.T) {
	store := newTestStore(t)

	snap := testSnapshot(1, "api.example.com")
	if err := store.SaveFlow(snap); err != nil {
		t.Fatalf("SaveFlow() error = %v", err)
	}
	snap.Status = 404
	if err := store.SaveFlow(snap); err != nil {
		t.Fatalf("SaveFlow() error = %v", err)
	}

	records, err := store.ListFlows(ListFlowsOptions{})
	if err != nil {
		t.Fatalf("ListFlows() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1 after upsert", len(records))
	}
	if records[0].Status != 404 {
		t.Errorf("Status = %d, want 404", records[0].Status)
	}
}

func TestListFlowsFiltersByHost(t *testing.T) {
	store := newTestStore(t)
	store.SaveFlow(testSnapshot(1, "api.example.com"))
	store.SaveFlow(testSnapshot(2, "other.test.com"))

	records, err := store.ListFlows(ListFlowsOptions{Host: "other.test.com"})
	if err != nil {
		t.Fatalf("ListFlows() error = %v", err)
	}
	if len(records) != 1 || records[0].Host != "other.test.com" {
		t.Errorf("records = %+v, want single other.test.com match", records)
	}
}

func TestGetStats(t *testing.T) {
	store := newTestStore(t)
	store.SaveFlow(testSnapshot(1, "api.example.com"))
	store.SaveFlow(testSnapshot(2, "api.example.com"))

	stats, err := store.GetStats(nil)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.TotalFlows != 2 {
		t.Errorf("TotalFlows = %d, want 2", stats.TotalFlows)
	}
	if stats.TotalByHost["api.example.com"] != 2 {
		t.Errorf("TotalByHost[api.example.com] = %d, want 2", stats.TotalByHost["api.example.com"])
	}
}

func TestCleanupRemovesOldFlows(t *testing.T) {
	store := newTestStore(t)
	old := testSnapshot(1, "api.example.com")
	old.StartTime = time.Now().AddDate(0, 0, -30)
	store.SaveFlow(old)
	store.SaveFlow(testSnapshot(2, "api.example.com"))

	removed, err := store.Cleanup(7)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}
