// Package pion implements the media engine contract on top of pion/webrtc
// using its ORTC-style API: parameter-based transports instead of SDP
// offer/answer, which is what the signaling surface exchanges.
package pion

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/tidemeet/media-server/internal/domain"
	"github.com/tidemeet/media-server/internal/media"
)

type Engine struct {
	listenIP    string
	announcedIP string
	done        chan struct{}
	closeOnce   sync.Once
}

func NewEngine(listenIP, announcedIP string) (*Engine, error) {
	return &Engine{
		listenIP:    listenIP,
		announcedIP: announcedIP,
		done:        make(chan struct{}),
	}, nil
}

func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

func (e *Engine) CreateRouter(codecs []media.CodecCapability) (media.Router, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range codecs {
		kind := webrtc.RTPCodecTypeAudio
		if c.Kind == domain.MediaVideo {
			kind = webrtc.RTPCodecTypeVideo
		}
		if err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  c.MimeType,
				ClockRate: uint32(c.ClockRate),
				Channels:  uint16(c.Channels),
			},
			PayloadType: defaultPayloadType(c.MimeType),
		}, kind); err != nil {
			return nil, err
		}
	}

	se := webrtc.SettingEngine{}
	if e.announcedIP != "" && e.announcedIP != e.listenIP {
		se.SetNAT1To1IPs([]string{e.announcedIP}, webrtc.ICECandidateTypeHost)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))
	r := &Router{
		api:       api,
		engine:    e,
		codecs:    codecs,
		producers: make(map[string]*Producer),
	}
	log.Info().Str("module", "media.pion").Int("codecs", len(codecs)).Msg("router created")
	return r, nil
}

func defaultPayloadType(mimeType string) webrtc.PayloadType {
	switch strings.ToLower(mimeType) {
	case "audio/opus":
		return 111
	case "video/vp8":
		return 96
	case "video/vp9":
		return 98
	case "video/h264":
		return 102
	default:
		return 96
	}
}

type Router struct {
	api    *webrtc.API
	engine *Engine
	codecs []media.CodecCapability

	mu        sync.Mutex
	producers map[string]*Producer
}

func (r *Router) RTPCapabilities() json.RawMessage {
	type codecCap struct {
		Kind        string `json:"kind"`
		MimeType    string `json:"mimeType"`
		ClockRate   int    `json:"clockRate"`
		Channels    int    `json:"channels,omitempty"`
		PayloadType uint8  `json:"preferredPayloadType"`
	}
	out := struct {
		Codecs []codecCap `json:"codecs"`
	}{}
	for _, c := range r.codecs {
		out.Codecs = append(out.Codecs, codecCap{
			Kind:        string(c.Kind),
			MimeType:    c.MimeType,
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			PayloadType: uint8(defaultPayloadType(c.MimeType)),
		})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// CanConsume checks that the producer exists and the requester's declared
// capabilities include its codec.
func (r *Router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	prod, ok := r.producer(producerID)
	if !ok {
		return false
	}
	var caps struct {
		Codecs []struct {
			MimeType string `json:"mimeType"`
		} `json:"codecs"`
	}
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return false
	}
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, prod.codec.MimeType) {
			return true
		}
	}
	return false
}

func (r *Router) Close() error {
	r.mu.Lock()
	producers := make([]*Producer, 0, len(r.producers))
	for _, p := range r.producers {
		producers = append(producers, p)
	}
	r.mu.Unlock()
	for _, p := range producers {
		_ = p.Close()
	}
	return nil
}

func (r *Router) register(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) unregister(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
