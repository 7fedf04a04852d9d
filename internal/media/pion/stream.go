package pion

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/tidemeet/media-server/internal/domain"
	"github.com/tidemeet/media-server/internal/media"
)

// Producer pumps RTP off an inbound track and fans it out to attached
// consumer sinks. Pausing drops packets without stopping the pump, so the
// receiver keeps draining the socket.
type Producer struct {
	id     string
	kind   domain.MediaKind
	codec  media.RTPCodecParameters
	router *Router

	receiver *webrtc.RTPReceiver
	paused   atomic.Bool
	closed   atomic.Bool

	mu    sync.Mutex
	sinks map[string]func(*rtp.Packet)

	packets atomic.Uint64
}

func newProducer(id string, kind domain.MediaKind, codec media.RTPCodecParameters, receiver *webrtc.RTPReceiver, router *Router) *Producer {
	p := &Producer{
		id:       id,
		kind:     kind,
		codec:    codec,
		router:   router,
		receiver: receiver,
		sinks:    make(map[string]func(*rtp.Packet)),
	}
	go p.pump()
	return p
}

func (p *Producer) pump() {
	track := p.receiver.Track()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !p.closed.Load() {
				log.Debug().Err(err).Str("module", "media.pion").Str("producer", p.id).Msg("track read ended")
			}
			return
		}
		p.packets.Add(1)
		if p.paused.Load() {
			continue
		}
		p.broadcast(pkt)
	}
}

// broadcast fans one packet out to a snapshot of the sinks. The lock is not
// held across sink calls, so one slow consumer cannot stall the others.
func (p *Producer) broadcast(pkt *rtp.Packet) {
	p.mu.Lock()
	sinks := make([]func(*rtp.Packet), 0, len(p.sinks))
	for _, sink := range p.sinks {
		sinks = append(sinks, sink)
	}
	p.mu.Unlock()
	for _, sink := range sinks {
		sink(pkt)
	}
}

func (p *Producer) attach(id string, sink func(*rtp.Packet)) {
	p.mu.Lock()
	p.sinks[id] = sink
	p.mu.Unlock()
}

func (p *Producer) detach(id string) {
	p.mu.Lock()
	delete(p.sinks, id)
	p.mu.Unlock()
}

func (p *Producer) ID() string { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }
func (p *Producer) Paused() bool { return p.paused.Load() }

func (p *Producer) Pause() error {
	p.paused.Store(true)
	return nil
}

func (p *Producer) Resume() error {
	p.paused.Store(false)
	return nil
}

func (p *Producer) Stats() (map[string]any, error) {
	return map[string]any{
		"producerId": p.id,
		"kind":       string(p.kind),
		"mimeType":   p.codec.MimeType,
		"packets":    p.packets.Load(),
		"paused":     p.paused.Load(),
	}, nil
}

func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.router.unregister(p.id)
	return p.receiver.Stop()
}

// Consumer writes a producer's packets onto a local track behind an
// RTPSender, back toward a subscribed participant.
type Consumer struct {
	id       string
	producer *Producer
	track    *webrtc.TrackLocalStaticRTP
	sender   *webrtc.RTPSender
	paused   atomic.Bool
	closed   atomic.Bool
	packets  atomic.Uint64
}

func newTrackConsumer(id string, prod *Producer, track *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender, paused bool) *Consumer {
	c := &Consumer{
		id:       id,
		producer: prod,
		track:    track,
		sender:   sender,
	}
	c.paused.Store(paused)
	prod.attach(id, c.write)
	return c
}

func (c *Consumer) write(pkt *rtp.Packet) {
	if c.paused.Load() || c.closed.Load() {
		return
	}
	if err := c.track.WriteRTP(pkt); err != nil {
		log.Debug().Err(err).Str("module", "media.pion").Str("consumer", c.id).Msg("track write failed")
		return
	}
	c.packets.Add(1)
}

func (c *Consumer) ID() string { return c.id }
func (c *Consumer) Kind() domain.MediaKind { return c.producer.kind }
func (c *Consumer) ProducerID() string { return c.producer.id }

func (c *Consumer) RTPParameters() media.RTPParameters {
	return media.RTPParameters{Codecs: []media.RTPCodecParameters{c.producer.codec}}
}

func (c *Consumer) Pause() error {
	c.paused.Store(true)
	return nil
}

func (c *Consumer) Resume() error {
	c.paused.Store(false)
	return nil
}

func (c *Consumer) Stats() (map[string]any, error) {
	return map[string]any{
		"consumerId": c.id,
		"producerId": c.producer.id,
		"packets":    c.packets.Load(),
		"paused":     c.paused.Load(),
	}, nil
}

func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.producer.detach(c.id)
	return c.sender.Stop()
}

// PlainConsumer forwards a producer's packets over UDP to whatever the
// plain transport was connected to, typically the recording pipeline.
type PlainConsumer struct {
	id        string
	producer  *Producer
	transport *PlainTransport
	paused    atomic.Bool
	closed    atomic.Bool
	packets   atomic.Uint64
}

func newPlainConsumer(id string, prod *Producer, transport *PlainTransport, paused bool) *PlainConsumer {
	c := &PlainConsumer{
		id:        id,
		producer:  prod,
		transport: transport,
	}
	c.paused.Store(paused)
	prod.attach(id, c.forward)
	return c
}

func (c *PlainConsumer) forward(pkt *rtp.Packet) {
	if c.paused.Load() || c.closed.Load() {
		return
	}
	remote := c.transport.remoteAddr()
	if remote == nil {
		return
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return
	}
	if _, err := c.transport.conn.WriteToUDP(buf, remote); err != nil {
		log.Debug().Err(err).Str("module", "media.pion").Str("consumer", c.id).Msg("udp forward failed")
		return
	}
	c.packets.Add(1)
}

func (c *PlainConsumer) ID() string { return c.id }
func (c *PlainConsumer) Kind() domain.MediaKind { return c.producer.kind }
func (c *PlainConsumer) ProducerID() string { return c.producer.id }

func (c *PlainConsumer) RTPParameters() media.RTPParameters {
	return media.RTPParameters{Codecs: []media.RTPCodecParameters{c.producer.codec}}
}

func (c *PlainConsumer) Pause() error {
	c.paused.Store(true)
	return nil
}

func (c *PlainConsumer) Resume() error {
	c.paused.Store(false)
	return nil
}

func (c *PlainConsumer) Stats() (map[string]any, error) {
	return map[string]any{
		"consumerId": c.id,
		"producerId": c.producer.id,
		"packets":    c.packets.Load(),
		"paused":     c.paused.Load(),
	}, nil
}

func (c *PlainConsumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.producer.detach(c.id)
	return nil
}

var _ media.Producer = (*Producer)(nil)
var _ media.Consumer = (*Consumer)(nil)
var _ media.Consumer = (*PlainConsumer)(nil)
var _ media.WebRTCTransport = (*WebRTCTransport)(nil)
var _ media.PlainTransport = (*PlainTransport)(nil)
var _ media.Engine = (*Engine)(nil)
var _ media.Router = (*Router)(nil)
