package core

import (
	"errors"
	"sync"
	"testing"

	"github.com/tidemeet/media-server/internal/domain"
	"github.com/tidemeet/media-server/internal/media"
	"github.com/tidemeet/media-server/internal/media/mediatest"
)

func noopFactory(sessionID domain.SessionID, workspaceID domain.WorkspaceID, recorderID domain.UserID, router media.Router, onFailure func(string)) Recorder {
	return &fakeRecorder{}
}

func TestRegistryCreateDuplicate(t *testing.T) {
	reg := NewRegistry(noopFactory)
	router := mediatest.NewRouter()

	if _, err := reg.Create("s1", "ws1", router); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := reg.Create("s1", "ws1", router); !errors.Is(err, ErrSessionExists) {
		t.Errorf("err = %v, want ErrSessionExists", err)
	}
}

func TestRegistryGetOrCreateConcurrent(t *testing.T) {
	reg := NewRegistry(noopFactory)
	router := mediatest.NewRouter()

	const n = 16
	results := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = reg.GetOrCreate("s1", "ws1", router)
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent GetOrCreate returned distinct sessions")
		}
	}
	if reg.Len() != 1 {
		t.Errorf("registry len = %d, want 1", reg.Len())
	}
}

func TestRegistryDeleteOnlyWhenEmpty(t *testing.T) {
	reg := NewRegistry(noopFactory)
	router := mediatest.NewRouter()
	sess := reg.GetOrCreate("s1", "ws1", router)

	p := NewParticipant("p1", "u1", "Alice", &fakeConn{})
	sess.AddParticipant(p)

	if reg.Delete("s1") {
		t.Fatal("deleted session with an active participant")
	}
	if _, ok := reg.Get("s1"); !ok {
		t.Fatal("session vanished after refused delete")
	}

	// Inactive within the grace window still counts as removable.
	p.MarkDisconnected()
	if !reg.Delete("s1") {
		t.Fatal("delete refused for session with only inactive participants")
	}
	if _, ok := reg.Get("s1"); ok {
		t.Error("session still resolvable after delete")
	}
	if p.IsActive() {
		t.Error("lingering participant not closed on delete")
	}

	if reg.Delete("s1") {
		t.Error("delete of unknown session reported success")
	}
}

func TestRegistryListByWorkspace(t *testing.T) {
	reg := NewRegistry(noopFactory)
	router := mediatest.NewRouter()
	reg.GetOrCreate("s1", "ws1", router)
	reg.GetOrCreate("s2", "ws1", router)
	reg.GetOrCreate("s3", "ws2", router)

	if got := len(reg.ListByWorkspace("ws1")); got != 2 {
		t.Errorf("ws1 sessions = %d, want 2", got)
	}
	if got := len(reg.ListByWorkspace("ws2")); got != 1 {
		t.Errorf("ws2 sessions = %d, want 1", got)
	}
	if got := len(reg.ListByWorkspace("ws3")); got != 0 {
		t.Errorf("ws3 sessions = %d, want 0", got)
	}
}
