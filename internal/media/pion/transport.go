package pion

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/tidemeet/media-server/internal/domain"
	"github.com/tidemeet/media-server/internal/media"
)

func (r *Router) CreateWebRTCTransport() (media.WebRTCTransport, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, fmt.Errorf("ice gather: %w", err)
	}
	<-gatherDone

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, err
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, err
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, err
	}

	iceJSON, err := json.Marshal(iceParams)
	if err != nil {
		return nil, err
	}
	candJSON, err := json.Marshal(candidates)
	if err != nil {
		return nil, err
	}
	dtlsJSON, err := json.Marshal(dtlsParams)
	if err != nil {
		return nil, err
	}

	return &WebRTCTransport{
		id:       newID("transport"),
		router:   r,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		info: media.ConnectInfo{
			ICEParameters:  iceJSON,
			ICECandidates:  candJSON,
			DTLSParameters: dtlsJSON,
		},
	}, nil
}

type WebRTCTransport struct {
	id       string
	router   *Router
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	info     media.ConnectInfo

	mu        sync.Mutex
	closed    bool
	producers []*Producer
	consumers []*Consumer
}

func (t *WebRTCTransport) ID() string { return t.id }

func (t *WebRTCTransport) ConnectInfo() media.ConnectInfo {
	info := t.info
	info.ID = t.id
	return info
}

// Connect completes the ICE/DTLS handshake with the remote side's
// parameters. This blocks until the transports are up.
func (t *WebRTCTransport) Connect(raw json.RawMessage) error {
	var params struct {
		ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
		Candidates     []webrtc.ICECandidate `json:"candidates"`
		DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("connect parameters: %w", err)
	}

	if err := t.ice.SetRemoteCandidates(params.Candidates); err != nil {
		return fmt.Errorf("set remote candidates: %w", err)
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, params.ICEParameters, &role); err != nil {
		return fmt.Errorf("ice start: %w", err)
	}
	if err := t.dtls.Start(params.DTLSParameters); err != nil {
		return fmt.Errorf("dtls start: %w", err)
	}
	log.Info().Str("module", "media.pion").Str("transport", t.id).Msg("transport connected")
	return nil
}

func (t *WebRTCTransport) Produce(kind domain.MediaKind, raw json.RawMessage) (media.Producer, error) {
	var params struct {
		Encodings []struct {
			SSRC        uint32 `json:"ssrc"`
			PayloadType uint8  `json:"payloadType"`
		} `json:"encodings"`
		Codecs []struct {
			MimeType    string `json:"mimeType"`
			PayloadType uint8  `json:"payloadType"`
			ClockRate   int    `json:"clockRate"`
			Channels    int    `json:"channels"`
		} `json:"codecs"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("rtp parameters: %w", err)
	}

	codecType := webrtc.RTPCodecTypeAudio
	if kind == domain.MediaVideo {
		codecType = webrtc.RTPCodecTypeVideo
	}
	receiver, err := t.router.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}

	recv := webrtc.RTPReceiveParameters{}
	for _, e := range params.Encodings {
		recv.Encodings = append(recv.Encodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(e.SSRC),
				PayloadType: webrtc.PayloadType(e.PayloadType),
			},
		})
	}
	if err := receiver.Receive(recv); err != nil {
		return nil, fmt.Errorf("rtp receive: %w", err)
	}

	codec := t.router.codecFor(kind)
	if len(params.Codecs) > 0 {
		codec = media.RTPCodecParameters{
			MimeType:    params.Codecs[0].MimeType,
			PayloadType: params.Codecs[0].PayloadType,
			ClockRate:   params.Codecs[0].ClockRate,
			Channels:    params.Codecs[0].Channels,
		}
	}

	producer := newProducer(newID("producer"), kind, codec, receiver, t.router)
	t.router.register(producer)
	t.mu.Lock()
	t.producers = append(t.producers, producer)
	t.mu.Unlock()
	log.Info().Str("module", "media.pion").Str("producer", producer.id).Str("kind", string(kind)).Msg("producing")
	return producer, nil
}

func (t *WebRTCTransport) Consume(producerID string, rtpCapabilities json.RawMessage, paused bool) (media.Consumer, error) {
	prod, ok := t.router.producer(producerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not found", producerID)
	}

	localTrack, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  prod.codec.MimeType,
		ClockRate: uint32(prod.codec.ClockRate),
		Channels:  uint16(prod.codec.Channels),
	}, newID("track"), "forwarded")
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(localTrack, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	if err := sender.Send(sender.GetParameters()); err != nil {
		return nil, fmt.Errorf("rtp send: %w", err)
	}

	consumer := newTrackConsumer(newID("consumer"), prod, localTrack, sender, paused)
	t.mu.Lock()
	t.consumers = append(t.consumers, consumer)
	t.mu.Unlock()
	return consumer, nil
}

func (t *WebRTCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	t.producers = nil
	t.consumers = nil
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	if err := t.dtls.Stop(); err != nil {
		log.Warn().Err(err).Str("module", "media.pion").Str("transport", t.id).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		log.Warn().Err(err).Str("module", "media.pion").Str("transport", t.id).Msg("ice stop")
	}
	return nil
}

func (r *Router) codecFor(kind domain.MediaKind) media.RTPCodecParameters {
	for _, c := range r.codecs {
		if c.Kind == kind {
			return media.RTPCodecParameters{
				MimeType:    c.MimeType,
				PayloadType: uint8(defaultPayloadType(c.MimeType)),
				ClockRate:   c.ClockRate,
				Channels:    c.Channels,
			}
		}
	}
	return media.RTPCodecParameters{}
}

// CreatePlainTransport opens a loopback UDP socket for feeding the
// recording pipeline. No encryption, no ICE.
func (r *Router) CreatePlainTransport(listenIP string) (media.PlainTransport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(listenIP), Port: 0})
	if err != nil {
		return nil, fmt.Errorf("plain transport listen: %w", err)
	}
	return &PlainTransport{
		id:     newID("plain"),
		router: r,
		conn:   conn,
	}, nil
}

type PlainTransport struct {
	id     string
	router *Router
	conn   *net.UDPConn

	mu        sync.Mutex
	remote    *net.UDPAddr
	consumers []*PlainConsumer
	closed    bool
}

func (t *PlainTransport) ID() string { return t.id }

func (t *PlainTransport) Connect(ip string, port, rtcpPort int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("plain transport %s closed", t.id)
	}
	t.remote = &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	log.Info().Str("module", "media.pion").Str("transport", t.id).
		Str("ip", ip).Int("port", port).Msg("plain transport connected")
	return nil
}

func (t *PlainTransport) remoteAddr() *net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *PlainTransport) Consume(producerID string, paused bool) (media.Consumer, error) {
	prod, ok := t.router.producer(producerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not found", producerID)
	}
	consumer := newPlainConsumer(newID("consumer"), prod, t, paused)
	t.mu.Lock()
	t.consumers = append(t.consumers, consumer)
	t.mu.Unlock()
	return consumer, nil
}

func (t *PlainTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	consumers := t.consumers
	t.consumers = nil
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	return t.conn.Close()
}
