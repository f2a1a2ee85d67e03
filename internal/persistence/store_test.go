package persistence

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "helm.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_CreatesSchema(t *testing.T) {
	store := openTestStore(t)

	var count int
	err := store.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&count)
	if err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("schema_migrations rows = %d, want 1", count)
	}

	tables := []string{"delegation_traces", "spend_ledger", "goal_runs", "run_events", "goal_schedules", "audit_log"}
	for _, table := range tables {
		var name string
		err := store.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?;`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}
}

func TestOpen_ReopenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helm.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer store2.Close()

	var count int
	if err := store2.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations;`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Fatalf("schema_migrations rows after reopen = %d, want 1", count)
	}
}

func TestOpen_ChecksumMismatchRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helm.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = ?;`, schemaVersionLatest)
	if err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	if _, err := Open(path, nil); err == nil {
		t.Fatal("expected open to refuse tampered schema checksum")
	}
}

func TestOpen_NewerSchemaRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helm.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (999, 'future');`)
	if err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = store.Close()

	if _, err := Open(path, nil); err == nil {
		t.Fatal("expected open to refuse newer schema version")
	}
}

func TestTraceTransitions(t *testing.T) {
	cases := []struct {
		from, to TraceStatus
		ok       bool
	}{
		{TraceStatusInProgress, TraceStatusCompleted, true},
		{TraceStatusInProgress, TraceStatusFailed, true},
		{TraceStatusInProgress, TraceStatusReDelegated, true},
		{TraceStatusCompleted, TraceStatusFailed, false},
		{TraceStatusFailed, TraceStatusCompleted, false},
		{TraceStatusReDelegated, TraceStatusInProgress, false},
	}
	for _, tc := range cases {
		if got := canTransitionTrace(tc.from, tc.to); got != tc.ok {
			t.Errorf("canTransitionTrace(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestRunTransitions(t *testing.T) {
	cases := []struct {
		from, to RunStatus
		ok       bool
	}{
		{RunStatusPending, RunStatusRunning, true},
		{RunStatusPending, RunStatusCanceled, true},
		{RunStatusRunning, RunStatusCompleted, true},
		{RunStatusRunning, RunStatusBlocked, true},
		{RunStatusRunning, RunStatusFailed, true},
		{RunStatusCompleted, RunStatusRunning, false},
		{RunStatusBlocked, RunStatusRunning, false},
		{RunStatusPending, RunStatusCompleted, false},
	}
	for _, tc := range cases {
		if got := canTransitionRun(tc.from, tc.to); got != tc.ok {
			t.Errorf("canTransitionRun(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestStore_ContextPlumbing(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A canceled context must not panic; the driver surfaces the cancellation.
	_, err := store.GetRun(ctx, "missing")
	if err == nil {
		t.Fatal("expected error for canceled context or missing row")
	}
}
