package signal

import (
	"errors"
	"testing"
	"time"

	"github.com/tidemeet/media-server/internal/core"
)

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{core.ErrSessionNotFound, "not_found"},
		{core.ErrTransportNotFound, "not_found"},
		{core.ErrProducerNotFound, "not_found"},
		{core.ErrHostNotFound, "not_found"},
		{core.ErrAlreadyRecording, "conflict"},
		{core.ErrNotRecording, "conflict"},
		{core.ErrSessionEnded, "conflict"},
		{core.ErrNotHost, "forbidden"},
		{core.ErrIncompatibleCaps, "capability_mismatch"},
		{core.ErrNoMediaToRecord, "no_media"},
		{errors.New("ledger start: connection refused"), "upstream_unavailable"},
	}
	for _, tc := range cases {
		if got := errorCode(tc.err); got != tc.want {
			t.Errorf("errorCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("u1", "p1") {
			t.Fatalf("attempt %d denied within limit", i+1)
		}
	}
	if rl.Allow("u1", "p1") {
		t.Error("attempt over limit allowed")
	}
	// Other senders are unaffected.
	if !rl.Allow("u2", "p2") {
		t.Error("independent sender denied")
	}
}

func TestRateLimiterGuestKeyedByParticipant(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	if !rl.Allow("", "p1") {
		t.Fatal("first guest message denied")
	}
	if rl.Allow("", "p1") {
		t.Error("same guest allowed over limit")
	}
	if !rl.Allow("", "p2") {
		t.Error("different guest denied")
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)

	if !rl.Allow("u1", "p1") {
		t.Fatal("first message denied")
	}
	if rl.Allow("u1", "p1") {
		t.Fatal("second message within window allowed")
	}
	time.Sleep(20 * time.Millisecond)
	if !rl.Allow("u1", "p1") {
		t.Error("message after window expiry denied")
	}
}
