package history

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T, maxPerChat int) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"), maxPerChat, testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id, chat string, minute int) domain.Message {
	return domain.Message{
		ID: id, ChatID: chat, Sender: "alice", SenderName: "Alice",
		Body: "body " + id, Type: domain.TypeChat, Timestamp: base.Add(time.Duration(minute) * time.Minute),
	}
}

func TestStore_RecentNewestFirst(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	for i, id := range []string{"m1", "m2", "m3"} {
		if err := s.Record(ctx, "telegram", msgAt(id, "chat-1", i)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	s.Record(ctx, "telegram", msgAt("other", "chat-2", 5))
	s.Record(ctx, "whatsapp", msgAt("wa", "chat-1", 6))

	got, err := s.Recent(ctx, "telegram", "chat-1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "m3" || got[1].ID != "m2" {
		t.Fatalf("unexpected history %+v", got)
	}
	if !got[0].Timestamp.Equal(base.Add(2*time.Minute)) || got[0].SenderName != "Alice" || got[0].Type != domain.TypeChat {
		t.Fatalf("fields not round-tripped: %+v", got[0])
	}
}

func TestStore_RecordTwiceUpdates(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	m := msgAt("m1", "chat-1", 0)
	s.Record(ctx, "telegram", m)
	m.Body = "edited"
	m.HasMedia = true
	m.MediaRef = "file-9"
	if err := s.Record(ctx, "telegram", m); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, _ := s.Recent(ctx, "telegram", "chat-1", 10)
	if len(got) != 1 || got[0].Body != "edited" || !got[0].HasMedia || got[0].MediaRef != "file-9" {
		t.Fatalf("unexpected history %+v", got)
	}
}

func TestStore_PrunesPerChat(t *testing.T) {
	s := testStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Record(ctx, "whatsapp", msgAt(string(rune('a'+i)), "chat-1", i))
	}
	s.Record(ctx, "whatsapp", msgAt("z", "chat-2", 0))

	n, err := s.Count(ctx, "whatsapp")
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("expected 3 + 1 messages after pruning, got %d", n)
	}
	got, _ := s.Recent(ctx, "whatsapp", "chat-1", 10)
	if len(got) != 3 || got[2].ID != "c" {
		t.Fatalf("expected the newest three to survive, got %+v", got)
	}
}

func TestStore_InMemoryDefault(t *testing.T) {
	s, err := NewSQLiteStore("file:history-test?mode=memory&cache=shared", 0, testLogger())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Record(ctx, "telegram", msgAt("m1", "chat-1", 0)); err != nil {
		t.Fatal(err)
	}
	got, err := s.Recent(ctx, "telegram", "chat-1", 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("Recent = %v, %v", got, err)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < 2; i++ {
		if err := RunMigrations(db, testLogger()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	v, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if v != schemaVersion {
		t.Fatalf("schema version = %d, want %d", v, schemaVersion)
	}
}
