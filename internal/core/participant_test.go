package core

import (
	"sync"
	"testing"

	"github.com/tidemeet/media-server/internal/domain"
	"github.com/tidemeet/media-server/internal/media/mediatest"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func (c *fakeConn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestParticipantCloseReleasesResources(t *testing.T) {
	router := mediatest.NewRouter()
	conn := &fakeConn{}
	p := NewParticipant("p1", "u1", "Alice", conn)

	tr, err := router.CreateWebRTCTransport()
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}
	p.AddTransport(tr)

	p.Close()

	if !tr.(*mediatest.WebRTCTransport).Closed() {
		t.Error("transport not closed")
	}
	if !conn.Closed() {
		t.Error("conn not closed")
	}
	if p.IsActive() {
		t.Error("participant still active after close")
	}

	// Second close must be a no-op.
	p.Close()
}

func TestParticipantDisconnectKeepsMedia(t *testing.T) {
	router := mediatest.NewRouter()
	p := NewParticipant("p1", "u1", "Alice", &fakeConn{})
	prod := mediatest.NewProducer(router, domain.MediaVideo)
	p.AddProducer(prod, false)

	p.MarkDisconnected()
	if p.IsActive() {
		t.Fatal("still active after disconnect")
	}
	if _, ok := p.Producer(prod.ID()); !ok {
		t.Error("producer dropped on disconnect")
	}
	if prod.Closed() {
		t.Error("producer closed on disconnect")
	}

	newConn := &fakeConn{}
	p.Reactivate(newConn)
	if !p.IsActive() {
		t.Error("not active after reactivate")
	}
	if p.Conn() != newConn {
		t.Error("conn not replaced on reactivate")
	}
}

func TestProducerByKindScreenShareTag(t *testing.T) {
	router := mediatest.NewRouter()
	p := NewParticipant("p1", "u1", "Alice", &fakeConn{})

	camera := mediatest.NewProducer(router, domain.MediaVideo)
	screen := mediatest.NewProducer(router, domain.MediaVideo)
	p.AddProducer(camera, false)
	p.AddProducer(screen, true)

	got, ok := p.ProducerByKind(domain.MediaVideo, false)
	if !ok || got.ID() != camera.ID() {
		t.Errorf("camera lookup: got %v ok=%v", got, ok)
	}
	got, ok = p.ProducerByKind(domain.MediaVideo, true)
	if !ok || got.ID() != screen.ID() {
		t.Errorf("screen lookup: got %v ok=%v", got, ok)
	}
	if _, ok := p.ProducerByKind(domain.MediaAudio, false); ok {
		t.Error("unexpected audio producer")
	}
}
