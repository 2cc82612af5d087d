package session

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/stream"
)

func TestGetOrCreateTracksConversation(t *testing.T) {
	st := NewStore(t.TempDir())

	first := st.GetOrCreate("conv-1")
	if first.IsContinued() {
		t.Error("new session should not be continued")
	}
	if first.Status() != StatusIdle {
		t.Errorf("new session status = %s", first.Status())
	}

	second := st.GetOrCreate("conv-1")
	if second.ID != first.ID {
		t.Error("same conversation should return same session")
	}
	if !second.IsContinued() {
		t.Error("reused session should be continued")
	}
}

func TestGetOrCreateUntracked(t *testing.T) {
	st := NewStore(t.TempDir())
	a := st.GetOrCreate("")
	b := st.GetOrCreate("")
	if a.ID == b.ID {
		t.Error("empty conversation id should always create fresh sessions")
	}
	if st.Len() != 2 {
		t.Errorf("Len = %d, want 2", st.Len())
	}
}

func TestByIDAndByConversation(t *testing.T) {
	st := NewStore(t.TempDir())
	s := st.GetOrCreate("conv-2")

	got, ok := st.ByID(s.ID)
	if !ok || got.ID != s.ID {
		t.Error("ByID lookup failed")
	}
	got, ok = st.ByConversation("conv-2")
	if !ok || got.ID != s.ID {
		t.Error("ByConversation lookup failed")
	}
	if _, ok := st.ByID("missing"); ok {
		t.Error("ByID should miss for unknown id")
	}
}

func TestClearAndClearAll(t *testing.T) {
	st := NewStore(t.TempDir())
	s := st.GetOrCreate("conv-3")
	st.GetOrCreate("conv-4")

	if !st.Clear("conv-3") {
		t.Error("Clear should report success")
	}
	if st.Clear("conv-3") {
		t.Error("second Clear should report miss")
	}
	if _, ok := st.ByID(s.ID); ok {
		t.Error("cleared session still resolvable by id")
	}

	if n := st.ClearAll(); n != 1 {
		t.Errorf("ClearAll = %d, want 1", n)
	}
	if st.Len() != 0 {
		t.Errorf("Len after ClearAll = %d", st.Len())
	}
}

func TestRunLockExclusive(t *testing.T) {
	st := NewStore(t.TempDir())
	s := st.GetOrCreate("conv-5")

	if !s.TryAcquireRun() {
		t.Fatal("first acquire should succeed")
	}
	if s.TryAcquireRun() {
		t.Fatal("second acquire should fail while held")
	}
	s.ReleaseRun()
	if !s.TryAcquireRun() {
		t.Fatal("acquire after release should succeed")
	}
	s.ReleaseRun()
}

func TestStatusTerminalSticky(t *testing.T) {
	st := NewStore(t.TempDir())
	s := st.GetOrCreate("conv-6")

	s.SetStatus(StatusBuilding)
	s.SetStatus(StatusTerminated)
	s.SetStatus(StatusCompleted)
	if s.Status() != StatusTerminated {
		t.Errorf("status = %s, terminal status should stick", s.Status())
	}

	// Next run resets through idle.
	s.SetStatus(StatusIdle)
	if s.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", s.Status())
	}
}

func TestTranscriptAppendOnly(t *testing.T) {
	st := NewStore(t.TempDir())
	s := st.GetOrCreate("conv-7")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AppendEvents(stream.ProcessEvent{Kind: stream.KindChunk, Message: "x"})
		}()
	}
	wg.Wait()

	if got := len(s.Transcript()); got != 10 {
		t.Errorf("transcript length = %d, want 10", got)
	}

	// Mutating the returned copy must not affect the stored transcript.
	events := s.Transcript()
	events[0].Message = "mutated"
	if s.Transcript()[0].Message != "x" {
		t.Error("Transcript should return a copy")
	}
}

func TestOutputDirFirstAssignmentWins(t *testing.T) {
	st := NewStore(t.TempDir())
	s := st.GetOrCreate("conv-8")

	s.SetOutputDir("/apps/first")
	s.SetOutputDir("/apps/second")
	if got := s.OutputDir(); got != "/apps/first" {
		t.Errorf("OutputDir = %q", got)
	}
}

func TestPersistAndLoadContext(t *testing.T) {
	root := t.TempDir()
	st := NewStore(root)
	s := st.GetOrCreate("conv-9")

	path, err := st.PersistContext(s, map[string]string{"instructions": "build it"})
	if err != nil {
		t.Fatalf("PersistContext failed: %v", err)
	}
	if want := filepath.Join(root, s.ID, "request_context.json"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	var loaded map[string]string
	found, err := st.LoadContext(s, &loaded)
	if err != nil || !found {
		t.Fatalf("LoadContext: found=%v err=%v", found, err)
	}
	if loaded["instructions"] != "build it" {
		t.Errorf("loaded = %v", loaded)
	}

	other := st.GetOrCreate("conv-10")
	found, err = st.LoadContext(other, &loaded)
	if err != nil {
		t.Fatalf("LoadContext error for missing file: %v", err)
	}
	if found {
		t.Error("LoadContext should miss for session without context")
	}
}

func TestListNewestFirst(t *testing.T) {
	st := NewStore(t.TempDir())
	st.GetOrCreate("a")
	st.GetOrCreate("b")

	list := st.List()
	if len(list) != 2 {
		t.Fatalf("List length = %d", len(list))
	}
	if list[0].CreatedAt.Before(list[1].CreatedAt) {
		t.Error("List should order newest first")
	}
}
