package conversations

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/ensemble/pkg/models"
)

func testStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func sampleConversation() *models.Conversation {
	conv := models.NewConversation("what is a monad")
	conv.Agents = []string{"Router", "Coder"}
	conv.Histories = map[string][]models.Message{
		"Router": {
			models.NewTextMessage(models.RoleUser, "what is a monad"),
			models.NewTextMessage(models.RoleAssistant, "a monoid in the category of endofunctors"),
		},
	}
	conv.TurnLog = []models.TurnMarker{
		{Indices: map[string]int{"Router": 0}, Preview: "what is a monad", AgentName: "Router", At: time.Now().UTC()},
	}
	return conv
}

func TestFileStore_RoundTrip(t *testing.T) {
	store := testStore(t)
	conv := sampleConversation()
	conv.Histories["Router"] = append(conv.Histories["Router"], models.Message{
		Role: models.RoleAssistant,
		Parts: []models.Part{
			models.NewThinkingPart("reasoning", []byte{0x01, 0x02, 0xff}),
			models.NewToolCallPart("call_1", "web_search", []byte(`{"query":"monad"}`)),
		},
	})

	if err := store.Save(conv); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(conv.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID != conv.ID || loaded.Title != conv.Title {
		t.Errorf("loaded = %s/%q, want %s/%q", loaded.ID, loaded.Title, conv.ID, conv.Title)
	}
	history := loaded.Histories["Router"]
	if len(history) != 3 {
		t.Fatalf("history has %d messages, want 3", len(history))
	}

	// Thinking signatures survive byte-for-byte.
	thinking := history[2].ThinkingParts()
	if len(thinking) != 1 || string(thinking[0].Signature) != string([]byte{0x01, 0x02, 0xff}) {
		t.Errorf("signature did not round-trip: %+v", thinking)
	}
	calls := history[2].ToolCalls()
	if len(calls) != 1 || calls[0].ID != "call_1" {
		t.Errorf("tool call did not round-trip: %+v", calls)
	}
	if len(loaded.TurnLog) != 1 || loaded.TurnLog[0].Preview != "what is a monad" {
		t.Errorf("turn log did not round-trip: %+v", loaded.TurnLog)
	}
}

func TestFileStore_FileIsNewlineTerminatedJSON(t *testing.T) {
	store := testStore(t)
	conv := sampleConversation()
	if err := store.Save(conv); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(store.Dir(), conv.ID+".json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		t.Error("stored document must end with a newline")
	}
	if !strings.HasPrefix(string(data), "{") {
		t.Errorf("unexpected leading bytes: %q", data[:1])
	}
}

func TestFileStore_LoadMissing(t *testing.T) {
	store := testStore(t)
	if _, err := store.Load("01ABSENT00000000000000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load missing = %v, want ErrNotFound", err)
	}
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	store := testStore(t)
	if _, err := store.Load("../etc/passwd"); errors.Is(err, ErrNotFound) || err == nil {
		t.Error("path traversal ids must be rejected outright")
	}
	if err := store.Delete("a/b"); err == nil {
		t.Error("Delete with separator in id should fail")
	}
}

func TestFileStore_ListNewestFirst(t *testing.T) {
	store := testStore(t)

	older := models.NewConversation("older")
	if err := store.Save(older); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	newer := models.NewConversation("newer")
	if err := store.Save(newer); err != nil {
		t.Fatal(err)
	}

	metas, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 2 {
		t.Fatalf("got %d conversations, want 2", len(metas))
	}
	if metas[0].ID != newer.ID {
		t.Errorf("listing order = [%s %s], want newest first", metas[0].ID, metas[1].ID)
	}
}

func TestFileStore_Delete(t *testing.T) {
	store := testStore(t)
	conv := sampleConversation()
	if err := store.Save(conv); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(conv.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Load(conv.ID); !errors.Is(err, ErrNotFound) {
		t.Error("conversation still loadable after delete")
	}
	if err := store.Delete(conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestFileStore_Prune(t *testing.T) {
	store := testStore(t)

	old := models.NewConversation("ancient history")
	if err := store.Save(old); err != nil {
		t.Fatal(err)
	}
	// Backdate by rewriting with an old UpdatedAt. Save stamps UpdatedAt,
	// so edit the stored document directly.
	loaded, err := store.Load(old.ID)
	if err != nil {
		t.Fatal(err)
	}
	loaded.UpdatedAt = time.Now().AddDate(0, 0, -45)
	backdate(t, store, loaded)

	fresh := models.NewConversation("current")
	if err := store.Save(fresh); err != nil {
		t.Fatal(err)
	}

	removed, err := store.Prune(30)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != old.ID {
		t.Errorf("removed = %v, want [%s]", removed, old.ID)
	}
	if _, err := store.Load(fresh.ID); err != nil {
		t.Errorf("fresh conversation should survive prune: %v", err)
	}
}

// backdate writes the conversation document directly, bypassing Save's
// UpdatedAt refresh.
func backdate(t *testing.T, store *FileStore, conv *models.Conversation) {
	t.Helper()
	data, err := json.Marshal(conv)
	if err != nil {
		t.Fatal(err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(store.Dir(), conv.ID+".json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestJump(t *testing.T) {
	conv := models.NewConversation("jump test")
	conv.Histories = map[string][]models.Message{
		"Router": {
			models.NewTextMessage(models.RoleUser, "turn one"),
			models.NewTextMessage(models.RoleAssistant, "answer one"),
			models.NewTextMessage(models.RoleUser, "turn two"),
			models.NewTextMessage(models.RoleAssistant, "answer two"),
		},
		"Coder": {
			models.NewTextMessage(models.RoleUser, "late arrival"),
		},
	}
	conv.TurnLog = []models.TurnMarker{
		{Indices: map[string]int{"Router": 0}, Preview: "turn one"},
		{Indices: map[string]int{"Router": 2}, Preview: "turn two"},
	}

	if err := Jump(conv, 2); err != nil {
		t.Fatalf("Jump: %v", err)
	}
	if got := len(conv.Histories["Router"]); got != 2 {
		t.Errorf("Router history = %d messages, want 2", got)
	}
	// Coder had no entry in the marker: truncated to empty.
	if got := len(conv.Histories["Coder"]); got != 0 {
		t.Errorf("Coder history = %d messages, want 0", got)
	}
	if len(conv.TurnLog) != 1 {
		t.Errorf("turn log = %d markers, want 1", len(conv.TurnLog))
	}

	if err := Jump(conv, 5); err == nil {
		t.Error("out-of-range jump should fail")
	}
	if err := Jump(conv, 0); err == nil {
		t.Error("turn 0 should be rejected")
	}
}
