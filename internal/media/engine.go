// Package media defines the contract with the external media engine.
// The engine owns routers, transports, producers and consumers; this
// process only orchestrates them.
package media

import (
	"encoding/json"

	"github.com/tidemeet/media-server/internal/domain"
)

// Engine is the process-wide media worker. A closed Done channel means the
// worker died; that is fatal to the whole server.
type Engine interface {
	CreateRouter(codecs []CodecCapability) (Router, error)
	Done() <-chan struct{}
	Close() error
}

// CodecCapability seeds a router with one supported codec.
type CodecCapability struct {
	Kind      domain.MediaKind
	MimeType  string
	ClockRate int
	Channels  int
}

// Router is a per-deployment media routing unit. Capability payloads are
// relayed between client and engine without interpretation here.
type Router interface {
	RTPCapabilities() json.RawMessage
	CreateWebRTCTransport() (WebRTCTransport, error)
	CreatePlainTransport(listenIP string) (PlainTransport, error)
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool
	Close() error
}

// ConnectInfo is what a client needs to complete the ICE/DTLS handshake
// for a transport it requested.
type ConnectInfo struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// WebRTCTransport carries a participant's encrypted media.
type WebRTCTransport interface {
	ID() string
	ConnectInfo() ConnectInfo
	Connect(dtlsParameters json.RawMessage) error
	Produce(kind domain.MediaKind, rtpParameters json.RawMessage) (Producer, error)
	Consume(producerID string, rtpCapabilities json.RawMessage, paused bool) (Consumer, error)
	Close() error
}

// PlainTransport is a loopback, non-encrypted transport used only to feed
// the recording pipeline.
type PlainTransport interface {
	ID() string
	Connect(ip string, port, rtcpPort int) error
	Consume(producerID string, paused bool) (Consumer, error)
	Close() error
}

// Producer is an inbound media stream a participant sends into the engine.
type Producer interface {
	ID() string
	Kind() domain.MediaKind
	Paused() bool
	Pause() error
	Resume() error
	Stats() (map[string]any, error)
	Close() error
}

// Consumer is an outbound media stream the engine forwards.
type Consumer interface {
	ID() string
	Kind() domain.MediaKind
	ProducerID() string
	RTPParameters() RTPParameters
	Pause() error
	Resume() error
	Stats() (map[string]any, error)
	Close() error
}

// RTPParameters describe a consumer's negotiated stream. The recording
// controller renders these into an SDP for the pipeline.
type RTPParameters struct {
	Codecs []RTPCodecParameters `json:"codecs"`
}

type RTPCodecParameters struct {
	MimeType     string            `json:"mimeType"`
	PayloadType  uint8             `json:"payloadType"`
	ClockRate    int               `json:"clockRate"`
	Channels     int               `json:"channels,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback    `json:"rtcpFeedback,omitempty"`
}

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// DefaultCodecs mirrors the router configuration the deployment ships with:
// Opus for audio, VP8 for video.
func DefaultCodecs() []CodecCapability {
	return []CodecCapability{
		{Kind: domain.MediaAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: domain.MediaVideo, MimeType: "video/VP8", ClockRate: 90000},
	}
}
