package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/convoke-dev/convoke/internal/message"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	sess := &Session{
		Metadata: Metadata{Provider: "anthropic", Model: "claude-sonnet-4-5@20250929"},
		Scratch:  map[string]any{"counter": float64(3)},
	}
	sess.Append(message.UserMessage("check the weather"))
	sess.Append(message.New(message.RoleAssistant,
		message.TextSegment("Looking it up."),
		message.ToolCallSegment(message.ToolCall{
			CallID: "c1", Name: "web_fetch",
			Arguments: map[string]any{"url": "https://example.com"},
		}),
	))
	sess.Append(message.ToolResultsMessage([]message.ToolResult{
		{CallID: "c1", Payload: "sunny", Success: true},
	}))

	if err := store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load(sess.Metadata.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(loaded.Messages))
	}
	if !reflect.DeepEqual(loaded.Messages, sess.Messages) {
		t.Errorf("messages did not round-trip:\n%+v\nvs\n%+v", loaded.Messages, sess.Messages)
	}
	if !reflect.DeepEqual(loaded.Scratch, sess.Scratch) {
		t.Errorf("scratch did not round-trip: %+v vs %+v", loaded.Scratch, sess.Scratch)
	}
}

func TestSaveDerivesTitle(t *testing.T) {
	store := newTestStore(t)

	sess := &Session{}
	sess.Append(message.UserMessage("summarize the release notes for version two"))
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if sess.Metadata.Title != "summarize the release notes for version two" {
		t.Errorf("title = %q", sess.Metadata.Title)
	}
}

func TestListNewestFirst(t *testing.T) {
	store := newTestStore(t)

	for _, prompt := range []string{"first", "second", "third"} {
		sess := &Session{}
		sess.Append(message.UserMessage(prompt))
		if err := store.Save(sess); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
	if list[0].Title != "third" || list[2].Title != "first" {
		t.Errorf("unexpected order: %s, %s, %s", list[0].Title, list[1].Title, list[2].Title)
	}
}

func TestDeleteMissingIsNoError(t *testing.T) {
	store := newTestStore(t)
	if err := store.Delete("does-not-exist"); err != nil {
		t.Fatalf("Delete of a missing session should succeed: %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.New("openai", "gpt-4.1")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sess.Scratch = map[string]any{"k": "v"}
	sess.Append(message.UserMessage("hello"))
	sess.Append(message.New(message.RoleAssistant, message.TextSegment("hi")))
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	exported, err := store.Export(sess.Metadata.ID)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	// Import into a second store and compare content.
	other := newTestStore(t)
	imported, err := other.Import(exported)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	reExported, err := other.Export(imported.Metadata.ID)
	if err != nil {
		t.Fatalf("re-Export failed: %v", err)
	}

	var a, b Session
	if err := json.Unmarshal(exported, &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(reExported, &b); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a.Messages, b.Messages) {
		t.Errorf("messages changed across export/import")
	}
	if !reflect.DeepEqual(a.Scratch, b.Scratch) {
		t.Errorf("scratch changed across export/import")
	}
	if a.Metadata.ID != b.Metadata.ID {
		t.Errorf("id changed on collision-free import: %s vs %s", a.Metadata.ID, b.Metadata.ID)
	}
}

func TestImportCollisionGetsFreshID(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.New("anthropic", "claude-sonnet-4-5@20250929")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sess.Append(message.UserMessage("original"))
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	exported, err := store.Export(sess.Metadata.ID)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	imported, err := store.Import(exported)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if imported.Metadata.ID == sess.Metadata.ID {
		t.Fatal("import must not overwrite the existing session")
	}

	// Both sessions remain loadable.
	if _, err := store.Load(sess.Metadata.ID); err != nil {
		t.Errorf("original lost: %v", err)
	}
	if _, err := store.Load(imported.Metadata.ID); err != nil {
		t.Errorf("import lost: %v", err)
	}
}

func TestConcurrentImportsGetDistinctIDs(t *testing.T) {
	store := newTestStore(t)

	snapshot := &Session{Metadata: Metadata{
		ID:       "shared-snapshot",
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5@20250929",
		State:    StateIdle,
	}}
	data, err := json.Marshal(snapshot)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}

	const imports = 10
	ids := make(chan string, imports)
	var wg sync.WaitGroup
	for i := 0; i < imports; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := store.Import(data)
			if err != nil {
				t.Errorf("Import failed: %v", err)
				return
			}
			ids <- sess.Metadata.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("two imports landed on id %s", id)
		}
		seen[id] = true
	}
	if len(seen) != imports {
		t.Fatalf("got %d distinct sessions, want %d", len(seen), imports)
	}
}

func TestCleanupSparesArchivedSessions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	old := time.Now().AddDate(0, 0, -RetentionDays-5)
	stale := &Session{Metadata: Metadata{ID: "stale", UpdatedAt: old, State: StateIdle}}
	archived := &Session{Metadata: Metadata{ID: "kept", UpdatedAt: old, State: StateArchived}}

	// Write directly so Save does not refresh UpdatedAt.
	for _, s := range []*Session{stale, archived} {
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, s.Metadata.ID+".json"), data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	if _, err := store.Load("stale"); err == nil {
		t.Error("stale session should have been removed")
	}
	if _, err := store.Load("kept"); err != nil {
		t.Errorf("archived session must survive cleanup: %v", err)
	}
}

func TestGenerateTitleTruncatesAtWordBoundary(t *testing.T) {
	long := "explain the difference between buffered and unbuffered channels in go and when to use each"
	title := GenerateTitle([]message.Message{message.UserMessage(long)})
	if len([]rune(title)) > MaxTitleLength+3 {
		t.Errorf("title too long: %q", title)
	}
	if title[len(title)-3:] != "..." {
		t.Errorf("expected ellipsis suffix: %q", title)
	}
}

func TestGenerateTitleFallback(t *testing.T) {
	if got := GenerateTitle(nil); got != "Untitled Session" {
		t.Errorf("GenerateTitle(nil) = %q", got)
	}
}
