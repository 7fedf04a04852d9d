package pion

import (
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/tidemeet/media-server/internal/domain"
)

func TestProducerBroadcastReleasesLockAcrossSinks(t *testing.T) {
	p := &Producer{
		id:    "producer-1",
		kind:  domain.MediaAudio,
		sinks: make(map[string]func(*rtp.Packet)),
	}

	calls := 0
	p.attach("a", func(pkt *rtp.Packet) {
		calls++
		// A consumer may close itself mid-delivery; detaching from inside
		// a sink must not deadlock on the sink registry lock.
		p.detach("a")
	})

	done := make(chan struct{})
	go func() {
		p.broadcast(&rtp.Packet{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast held the registry lock across a sink call")
	}

	if calls != 1 {
		t.Errorf("sink called %d times, want 1", calls)
	}
	p.mu.Lock()
	remaining := len(p.sinks)
	p.mu.Unlock()
	if remaining != 0 {
		t.Error("sink still attached after detaching itself")
	}
}
