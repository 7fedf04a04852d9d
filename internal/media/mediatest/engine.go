// Package mediatest provides an in-memory media engine for tests: no
// sockets, no crypto, just bookkeeping with the same contract.
package mediatest

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tidemeet/media-server/internal/domain"
	"github.com/tidemeet/media-server/internal/media"
)

type Engine struct {
	done chan struct{}
}

func NewEngine() *Engine {
	return &Engine{done: make(chan struct{})}
}

func (e *Engine) CreateRouter(codecs []media.CodecCapability) (media.Router, error) {
	return NewRouter(), nil
}

func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) Close() error {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
	return nil
}

var seq atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, seq.Add(1))
}

type Router struct {
	mu        sync.Mutex
	producers map[string]*Producer
	// CanConsumeResult lets tests force a capability mismatch.
	CanConsumeResult bool
}

func NewRouter() *Router {
	return &Router{producers: make(map[string]*Producer), CanConsumeResult: true}
}

func (r *Router) RTPCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"},{"mimeType":"video/VP8"}]}`)
}

func (r *Router) CreateWebRTCTransport() (media.WebRTCTransport, error) {
	return &WebRTCTransport{id: nextID("transport"), router: r}, nil
}

func (r *Router) CreatePlainTransport(listenIP string) (media.PlainTransport, error) {
	return &PlainTransport{id: nextID("plain"), router: r}, nil
}

func (r *Router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.producers[producerID]; !ok {
		return false
	}
	return r.CanConsumeResult
}

func (r *Router) Close() error { return nil }

func (r *Router) register(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

type WebRTCTransport struct {
	id     string
	router *Router
	closed atomic.Bool

	mu        sync.Mutex
	connected bool
}

func (t *WebRTCTransport) ID() string { return t.id }

func (t *WebRTCTransport) ConnectInfo() media.ConnectInfo {
	return media.ConnectInfo{
		ID:             t.id,
		ICEParameters:  json.RawMessage(`{"usernameFragment":"test","password":"test"}`),
		ICECandidates:  json.RawMessage(`[]`),
		DTLSParameters: json.RawMessage(`{"role":"auto"}`),
	}
}

func (t *WebRTCTransport) Connect(dtlsParameters json.RawMessage) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *WebRTCTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *WebRTCTransport) Produce(kind domain.MediaKind, rtpParameters json.RawMessage) (media.Producer, error) {
	if t.closed.Load() {
		return nil, fmt.Errorf("transport %s closed", t.id)
	}
	p := &Producer{id: nextID("producer"), kind: kind}
	t.router.register(p)
	return p, nil
}

func (t *WebRTCTransport) Consume(producerID string, rtpCapabilities json.RawMessage, paused bool) (media.Consumer, error) {
	src, ok := t.router.producer(producerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not found", producerID)
	}
	c := &Consumer{id: nextID("consumer"), kind: src.kind, producerID: producerID}
	c.paused.Store(paused)
	return c, nil
}

func (t *WebRTCTransport) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *WebRTCTransport) Closed() bool { return t.closed.Load() }

type PlainTransport struct {
	id     string
	router *Router
	closed atomic.Bool

	mu         sync.Mutex
	remoteIP   string
	remotePort int
}

func (t *PlainTransport) ID() string { return t.id }

func (t *PlainTransport) Connect(ip string, port, rtcpPort int) error {
	t.mu.Lock()
	t.remoteIP = ip
	t.remotePort = port
	t.mu.Unlock()
	return nil
}

func (t *PlainTransport) RemotePort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remotePort
}

func (t *PlainTransport) Consume(producerID string, paused bool) (media.Consumer, error) {
	src, ok := t.router.producer(producerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not found", producerID)
	}
	c := &Consumer{id: nextID("consumer"), kind: src.kind, producerID: producerID}
	c.paused.Store(paused)
	params := media.RTPCodecParameters{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}
	if src.kind == domain.MediaVideo {
		params = media.RTPCodecParameters{MimeType: "video/VP8", PayloadType: 101, ClockRate: 90000}
	}
	c.params = media.RTPParameters{Codecs: []media.RTPCodecParameters{params}}
	return c, nil
}

func (t *PlainTransport) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *PlainTransport) Closed() bool { return t.closed.Load() }

type Producer struct {
	id     string
	kind   domain.MediaKind
	paused atomic.Bool
	closed atomic.Bool
}

// NewProducer registers a standalone producer on a router, for tests that
// need one without going through a transport.
func NewProducer(r *Router, kind domain.MediaKind) *Producer {
	p := &Producer{id: nextID("producer"), kind: kind}
	r.register(p)
	return p
}

func (p *Producer) ID() string             { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }
func (p *Producer) Paused() bool           { return p.paused.Load() }

func (p *Producer) Pause() error {
	p.paused.Store(true)
	return nil
}

func (p *Producer) Resume() error {
	p.paused.Store(false)
	return nil
}

func (p *Producer) Stats() (map[string]any, error) {
	return map[string]any{"kind": string(p.kind)}, nil
}

func (p *Producer) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *Producer) Closed() bool { return p.closed.Load() }

type Consumer struct {
	id         string
	kind       domain.MediaKind
	producerID string
	params     media.RTPParameters
	paused     atomic.Bool
	closed     atomic.Bool
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) Kind() domain.MediaKind { return c.kind }

func (c *Consumer) ProducerID() string { return c.producerID }

func (c *Consumer) RTPParameters() media.RTPParameters { return c.params }

func (c *Consumer) Paused() bool { return c.paused.Load() }

func (c *Consumer) Pause() error {
	c.paused.Store(true)
	return nil
}

func (c *Consumer) Resume() error {
	c.paused.Store(false)
	return nil
}

func (c *Consumer) Stats() (map[string]any, error) {
	return map[string]any{"kind": string(c.kind)}, nil
}

func (c *Consumer) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Consumer) Closed() bool { return c.closed.Load() }
