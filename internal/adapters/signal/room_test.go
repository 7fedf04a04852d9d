package signal

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tidemeet/media-server/internal/core"
	"github.com/tidemeet/media-server/internal/domain"
	"github.com/tidemeet/media-server/internal/media"
	"github.com/tidemeet/media-server/internal/media/mediatest"
)

func newTestGateway(grace time.Duration) *Controller {
	registry := core.NewRegistry(func(sessionID domain.SessionID, workspaceID domain.WorkspaceID, recorderID domain.UserID, router media.Router, onFailure func(string)) core.Recorder {
		return nil
	})
	return NewController(registry, mediatest.NewRouter(), grace)
}

func newTestClient() *client {
	return &client{conn: &wsConn{send: make(chan []byte, 64)}}
}

func joinMsg(room, peer, name, user string) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":        "join-room",
		"roomId":      room,
		"workspaceId": "ws1",
		"peerId":      peer,
		"displayName": name,
		"userId":      user,
	})
	return b
}

// drain empties the client's outbound queue into decoded messages.
func drain(t *testing.T, c *wsConn) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return out
			}
			var m map[string]any
			if err := json.Unmarshal(b, &m); err != nil {
				t.Fatalf("bad outbound message %s: %v", b, err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func findMsg(msgs []map[string]any, typ string) (map[string]any, bool) {
	for _, m := range msgs {
		if m["type"] == typ {
			return m, true
		}
	}
	return nil, false
}

func TestJoinAssignsHostAndAnnounces(t *testing.T) {
	ctx := context.Background()
	ctl := newTestGateway(time.Minute)

	host := newTestClient()
	ctl.handleJoin(ctx, host, joinMsg("room1", "p1", "Alice", "u1"), false)

	msgs := drain(t, host.conn)
	joined, ok := findMsg(msgs, "room-joined")
	if !ok {
		t.Fatalf("no room-joined reply, got %v", msgs)
	}
	if joined["hostId"] != "u1" {
		t.Errorf("hostId = %v, want u1", joined["hostId"])
	}
	if peers := joined["peers"].([]any); len(peers) != 0 {
		t.Errorf("first joiner roster has %d peers", len(peers))
	}

	sess, ok := ctl.Registry.Get("room1")
	if !ok {
		t.Fatal("session not created on join")
	}
	if sess.Status() != domain.StatusInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", sess.Status())
	}

	second := newTestClient()
	ctl.handleJoin(ctx, second, joinMsg("room1", "p2", "Bob", "u2"), false)

	if msg, ok := findMsg(drain(t, host.conn), "new-peer"); !ok || msg["peerId"] != "p2" {
		t.Errorf("host missed new-peer broadcast: %v ok=%v", msg, ok)
	}
	joined, ok = findMsg(drain(t, second.conn), "room-joined")
	if !ok {
		t.Fatal("no room-joined reply for second joiner")
	}
	if joined["hostId"] != "u1" {
		t.Errorf("second joiner sees hostId = %v, want u1", joined["hostId"])
	}
	if peers := joined["peers"].([]any); len(peers) != 1 {
		t.Errorf("second joiner roster has %d peers, want 1", len(peers))
	}
}

func TestJoinEndedSessionRejected(t *testing.T) {
	ctx := context.Background()
	ctl := newTestGateway(time.Minute)

	sess := ctl.Registry.GetOrCreate("room1", "ws1", ctl.Router)
	sess.EndMeeting(ctx)

	cl := newTestClient()
	ctl.handleJoin(ctx, cl, joinMsg("room1", "p1", "Alice", "u1"), false)

	msg, ok := findMsg(drain(t, cl.conn), "error")
	if !ok {
		t.Fatal("no error reply for join on ended session")
	}
	if msg["error"] != "conflict" {
		t.Errorf("error code = %v, want conflict", msg["error"])
	}
}

func TestRejoinRekeysParticipant(t *testing.T) {
	ctx := context.Background()
	ctl := newTestGateway(time.Minute)

	host := newTestClient()
	ctl.handleJoin(ctx, host, joinMsg("room1", "p1", "Alice", "u1"), false)
	member := newTestClient()
	ctl.handleJoin(ctx, member, joinMsg("room1", "p2", "Bob", "u2"), false)
	drain(t, host.conn)

	ctl.handleSocketGone(ctx, member)
	if msg, ok := findMsg(drain(t, host.conn), "peer-disconnected"); !ok || msg["peerId"] != "p2" {
		t.Errorf("host missed peer-disconnected: %v ok=%v", msg, ok)
	}

	back := newTestClient()
	ctl.handleJoin(ctx, back, joinMsg("room1", "p2b", "Bob", "u2"), true)

	if msg, ok := findMsg(drain(t, host.conn), "peer-rejoined"); !ok || msg["peerId"] != "p2b" {
		t.Errorf("host missed peer-rejoined: %v ok=%v", msg, ok)
	}

	sess, _ := ctl.Registry.Get("room1")
	if _, ok := sess.Participant("p2"); ok {
		t.Error("old participant id still resolves after rejoin")
	}
	p, ok := sess.Participant("p2b")
	if !ok {
		t.Fatal("rejoined participant not found under new id")
	}
	if !p.IsActive() || p.UserID != "u2" {
		t.Errorf("rejoined participant state: active=%v userID=%s", p.IsActive(), p.UserID)
	}
}

func TestEndMeetingHostOnly(t *testing.T) {
	ctx := context.Background()
	ctl := newTestGateway(time.Minute)

	host := newTestClient()
	ctl.handleJoin(ctx, host, joinMsg("room1", "p1", "Alice", "u1"), false)
	member := newTestClient()
	ctl.handleJoin(ctx, member, joinMsg("room1", "p2", "Bob", "u2"), false)
	drain(t, host.conn)
	drain(t, member.conn)

	ctl.handleEndMeeting(ctx, member)
	if msg, ok := findMsg(drain(t, member.conn), "error"); !ok || msg["error"] != "forbidden" {
		t.Errorf("non-host end-meeting reply: %v ok=%v", msg, ok)
	}
	if _, ok := ctl.Registry.Get("room1"); !ok {
		t.Fatal("session dropped by non-host end-meeting")
	}

	ctl.handleEndMeeting(ctx, host)
	if _, ok := findMsg(drain(t, member.conn), "meeting-ended"); !ok {
		t.Error("member missed meeting-ended broadcast")
	}
	if _, ok := ctl.Registry.Get("room1"); ok {
		t.Error("session still registered after host ended meeting")
	}
}

func TestDisconnectHostSuccession(t *testing.T) {
	ctx := context.Background()
	ctl := newTestGateway(time.Minute)

	host := newTestClient()
	ctl.handleJoin(ctx, host, joinMsg("room1", "p1", "Alice", "u1"), false)
	member := newTestClient()
	ctl.handleJoin(ctx, member, joinMsg("room1", "p2", "Bob", "u2"), false)
	guest := newTestClient()
	ctl.handleJoin(ctx, guest, joinMsg("room1", "p3", "Guest", ""), false)
	drain(t, member.conn)

	ctl.handleSocketGone(ctx, host)

	msgs := drain(t, member.conn)
	if msg, ok := findMsg(msgs, "peer-disconnected"); !ok || msg["peerId"] != "p1" {
		t.Errorf("member missed peer-disconnected: %v ok=%v", msg, ok)
	}
	changed, ok := findMsg(msgs, "host-changed")
	if !ok {
		t.Fatal("no host-changed broadcast")
	}
	data := changed["data"].(map[string]any)
	if data["oldHostId"] != "u1" || data["newHostId"] != "u2" {
		t.Errorf("host-changed data = %v", data)
	}

	sess, _ := ctl.Registry.Get("room1")
	if sess.HostUserID() != "u2" {
		t.Errorf("host = %s, want u2 (guests are never promoted)", sess.HostUserID())
	}
}

// Host and the next candidate dropping at the same time must still leave
// the host role on an active participant.
func TestConcurrentDisconnectKeepsHostInvariant(t *testing.T) {
	ctx := context.Background()
	const trials = 200

	for i := 0; i < trials; i++ {
		ctl := newTestGateway(time.Minute)
		host := newTestClient()
		ctl.handleJoin(ctx, host, joinMsg("room1", "p1", "Alice", "u1"), false)
		second := newTestClient()
		ctl.handleJoin(ctx, second, joinMsg("room1", "p2", "Bob", "u2"), false)
		third := newTestClient()
		ctl.handleJoin(ctx, third, joinMsg("room1", "p3", "Carol", "u3"), false)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			ctl.handleSocketGone(ctx, host)
		}()
		go func() {
			defer wg.Done()
			<-start
			ctl.handleSocketGone(ctx, second)
		}()
		close(start)
		wg.Wait()

		sess, _ := ctl.Registry.Get("room1")
		hostID := sess.HostUserID()
		found := false
		for _, p := range sess.ActiveParticipants() {
			if p.UserID == hostID {
				found = true
			}
		}
		if !found {
			t.Fatalf("trial %d: host %q is not an active participant", i, hostID)
		}
		if hostID != "u3" {
			t.Fatalf("trial %d: host = %q, want u3 (the only remaining candidate)", i, hostID)
		}
	}
}

func TestStaleRemovalTimerStaysQuiet(t *testing.T) {
	ctx := context.Background()
	ctl := newTestGateway(30 * time.Millisecond)

	host := newTestClient()
	ctl.handleJoin(ctx, host, joinMsg("room1", "p1", "Alice", "u1"), false)
	member := newTestClient()
	ctl.handleJoin(ctx, member, joinMsg("room1", "p2", "Bob", "u2"), false)

	// Disconnect, rejoin under a new id, disconnect again: the timer from
	// the first disconnect still references the old id.
	ctl.handleSocketGone(ctx, member)
	back := newTestClient()
	ctl.handleJoin(ctx, back, joinMsg("room1", "p2b", "Bob", "u2"), true)
	ctl.handleSocketGone(ctx, back)

	time.Sleep(100 * time.Millisecond)

	var oldLeft, newLeft bool
	for _, m := range drain(t, host.conn) {
		if m["type"] == "peer-left" {
			switch m["peerId"] {
			case "p2":
				oldLeft = true
			case "p2b":
				newLeft = true
			}
		}
	}
	if oldLeft {
		t.Error("stale timer announced peer-left for the re-keyed id")
	}
	if !newLeft {
		t.Error("expired participant was never announced as left")
	}
}
