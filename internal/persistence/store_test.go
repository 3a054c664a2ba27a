package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/optad/internal/persistence"
	"github.com/basket/optad/internal/protocol"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "optad.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func envelope(t *testing.T, sessionID string, seq uint64) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.KindTurnToken, "d1", sessionID, seq, time.Now(),
		protocol.TurnTokenPayload{TurnID: "t1", Text: fmt.Sprintf("tok%d", seq)})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil || journal != "wal" {
		t.Fatalf("journal_mode = %q (%v), want wal", journal, err)
	}
	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil || synchronous != 2 {
		t.Fatalf("synchronous = %d (%v), want FULL(2)", synchronous, err)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil || foreignKeys != 1 {
		t.Fatalf("foreign_keys = %d (%v), want 1", foreignKeys, err)
	}

	for _, table := range []string{"schema_migrations", "sessions", "session_events", "permission_decisions", "audit_log"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}

	version, checksum, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 2 || checksum == "" {
		t.Fatalf("schema = v%d %q, want v2 with checksum", version, checksum)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "optad.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');
	`); err != nil {
		t.Fatalf("seed future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("err = %v, want newer-version error", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=2;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	_, err := persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("err = %v, want checksum mismatch", err)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.EnsureSession(context.Background(), "s1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	_ = store.Close()

	again, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	st, err := again.GetSession(context.Background(), "s1")
	if err != nil || st.ID != "s1" {
		t.Fatalf("session after reopen = %+v, %v", st, err)
	}
}

func TestStore_SessionReservationAndClose(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	st, err := store.EnsureSession(ctx, "s1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if st.Reserved != 0 || st.MaxSeq != 0 || st.Closed() {
		t.Fatalf("fresh state = %+v", st)
	}

	if err := store.ReserveSeq(ctx, "s1", 64); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Lower reservations never move the mark back.
	if err := store.ReserveSeq(ctx, "s1", 10); err != nil {
		t.Fatalf("reserve lower: %v", err)
	}
	if _, err := store.InsertEvents(ctx, []protocol.Envelope{envelope(t, "s1", 1), envelope(t, "s1", 2)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	st, err = store.EnsureSession(ctx, "s1")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if st.Reserved != 64 || st.MaxSeq != 2 {
		t.Fatalf("state = %+v, want reserved 64 max 2", st)
	}

	if err := store.ReserveSeq(ctx, "missing", 5); !errors.Is(err, persistence.ErrSessionNotFound) {
		t.Fatalf("reserve unknown err = %v", err)
	}

	if err := store.MarkSessionClosed(ctx, "s1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	st, _ = store.GetSession(ctx, "s1")
	if !st.Closed() {
		t.Fatalf("session not closed: %+v", st)
	}
}

func TestStore_InsertEventsIgnoresDuplicates(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	batch := []protocol.Envelope{envelope(t, "s1", 1), envelope(t, "s1", 2), envelope(t, "s2", 1)}
	n, err := store.InsertEvents(ctx, batch)
	if err != nil || n != 3 {
		t.Fatalf("insert = %d, %v; want 3", n, err)
	}
	n, err = store.InsertEvents(ctx, append(batch, envelope(t, "s1", 3)))
	if err != nil || n != 1 {
		t.Fatalf("re-insert = %d, %v; want 1 new row", n, err)
	}
}

func TestStore_EventsBetween(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	var batch []protocol.Envelope
	for seq := uint64(1); seq <= 6; seq++ {
		batch = append(batch, envelope(t, "s1", seq))
	}
	if _, err := store.InsertEvents(ctx, batch); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tests := []struct {
		after, before uint64
		want          []uint64
	}{
		{0, 0, []uint64{1, 2, 3, 4, 5, 6}},
		{2, 5, []uint64{3, 4}},
		{6, 0, nil},
		{0, 1, nil},
	}
	for _, tt := range tests {
		got, err := store.EventsBetween(ctx, "s1", tt.after, tt.before)
		if err != nil {
			t.Fatalf("between(%d,%d): %v", tt.after, tt.before, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("between(%d,%d) = %d events, want %v", tt.after, tt.before, len(got), tt.want)
		}
		for i, ev := range got {
			if ev.Seq != tt.want[i] {
				t.Fatalf("between(%d,%d)[%d] = %d, want %d", tt.after, tt.before, i, ev.Seq, tt.want[i])
			}
		}
	}

	got, _ := store.EventsBetween(ctx, "s1", 0, 2)
	if err := got[0].Validate(); err != nil {
		t.Fatalf("journaled envelope invalid: %v", err)
	}
	if string(got[0].Payload) != string(batch[0].Payload) || got[0].TS != batch[0].TS {
		t.Fatalf("round trip = %+v, want %+v", got[0], batch[0])
	}
}

func TestStore_ListSessions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.EnsureSession(ctx, id); err != nil {
			t.Fatalf("ensure %s: %v", id, err)
		}
	}
	got, err := store.ListSessions(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("sessions = %+v, want 3", got)
	}
}

func TestStore_PermissionDecisions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	d := persistence.PermissionDecision{
		RequestID: "r1", SessionID: "s1", TurnID: "t1", ToolName: "shell",
		Risk: "high", Decision: "deny", ResolvedBy: "timeout", RequestedAt: time.Now(),
	}
	if err := store.RecordPermissionDecision(ctx, d); err != nil {
		t.Fatalf("record: %v", err)
	}
	// First decision wins.
	d.Decision = "approve"
	if err := store.RecordPermissionDecision(ctx, d); err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	got, err := store.PermissionDecisions(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Decision != "deny" || got[0].ResolvedBy != "timeout" {
		t.Fatalf("decisions = %+v", got)
	}
}

func TestStore_RunRetention(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.InsertEvents(ctx, []protocol.Envelope{envelope(t, "s1", 1), envelope(t, "s1", 2)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE session_events SET created_at = datetime('now', '-30 days') WHERE seq = 1;`); err != nil {
		t.Fatalf("age row: %v", err)
	}

	result, err := store.RunRetention(ctx, 0, 0)
	if err != nil || result.PurgedEvents != 0 {
		t.Fatalf("keep-forever retention = %+v, %v", result, err)
	}

	result, err = store.RunRetention(ctx, 7, 7)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if result.PurgedEvents != 1 {
		t.Fatalf("purged = %+v, want 1 event", result)
	}
	left, _ := store.EventsBetween(ctx, "s1", 0, 0)
	if len(left) != 1 || left[0].Seq != 2 {
		t.Fatalf("remaining = %+v", left)
	}

	result, err = store.RunRetention(ctx, 7, 7)
	if err != nil || result.PurgedEvents != 0 {
		t.Fatalf("second run = %+v, %v; want idempotent", result, err)
	}
}

func TestStore_Backup(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := store.InsertEvents(ctx, []protocol.Envelope{envelope(t, "s1", 1)}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	backupPath := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, backupPath); err != nil {
		t.Fatalf("backup: %v", err)
	}
	backup, err := persistence.Open(backupPath)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer backup.Close()
	events, err := backup.EventsBetween(ctx, "s1", 0, 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("backup events = %d, %v", len(events), err)
	}

	if err := store.Backup(ctx, backupPath); err == nil {
		t.Fatal("expected error backing up to existing file")
	}
}
