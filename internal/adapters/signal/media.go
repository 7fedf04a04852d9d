package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/tidemeet/media-server/internal/core"
	"github.com/tidemeet/media-server/internal/domain"
)

func (ctl *Controller) handleRouterCapabilities(cl *client) {
	ctl.sendJSON(cl.conn, struct {
		Type            string          `json:"type"`
		RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
	}{
		Type:            "router-rtp-capabilities",
		RTPCapabilities: ctl.Router.RTPCapabilities(),
	})
}

func (ctl *Controller) handleCreateTransport(cl *client, data []byte) {
	_, p, ok := cl.bound()
	if !ok {
		ctl.sendError(cl.conn, core.ErrParticipantNotFound)
		return
	}
	type payload struct {
		Type      string `json:"type"`
		Direction string `json:"direction"` // producing | consuming
	}
	var req payload
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendJSON(cl.conn, map[string]string{"type": "error", "error": "bad_payload", "message": "invalid create-transport payload"})
		return
	}

	transport, err := ctl.Router.CreateWebRTCTransport()
	if err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	p.AddTransport(transport)
	if req.Direction == "consuming" {
		cl.setRecvTransport(transport.ID())
	}

	info := transport.ConnectInfo()
	ctl.sendJSON(cl.conn, struct {
		Type           string          `json:"type"`
		Direction      string          `json:"direction"`
		ID             string          `json:"id"`
		ICEParameters  json.RawMessage `json:"iceParameters"`
		ICECandidates  json.RawMessage `json:"iceCandidates"`
		DTLSParameters json.RawMessage `json:"dtlsParameters"`
	}{
		Type:           "transport-created",
		Direction:      req.Direction,
		ID:             info.ID,
		ICEParameters:  info.ICEParameters,
		ICECandidates:  info.ICECandidates,
		DTLSParameters: info.DTLSParameters,
	})
}

func (ctl *Controller) handleConnectTransport(cl *client, data []byte) {
	_, p, ok := cl.bound()
	if !ok {
		ctl.sendError(cl.conn, core.ErrParticipantNotFound)
		return
	}
	type payload struct {
		Type           string          `json:"type"`
		TransportID    string          `json:"transportId"`
		DTLSParameters json.RawMessage `json:"dtlsParameters"`
	}
	var req payload
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendJSON(cl.conn, map[string]string{"type": "error", "error": "bad_payload", "message": "invalid connect-transport payload"})
		return
	}

	transport, found := p.Transport(req.TransportID)
	if !found {
		ctl.sendError(cl.conn, core.ErrTransportNotFound)
		return
	}
	if err := transport.Connect(req.DTLSParameters); err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	ctl.sendJSON(cl.conn, map[string]string{
		"type":        "transport-connected",
		"transportId": req.TransportID,
	})
}

func (ctl *Controller) handleProduce(cl *client, data []byte) {
	sess, p, ok := cl.bound()
	if !ok {
		ctl.sendError(cl.conn, core.ErrParticipantNotFound)
		return
	}
	type payload struct {
		Type          string          `json:"type"`
		TransportID   string          `json:"transportId"`
		Kind          string          `json:"kind"`
		RTPParameters json.RawMessage `json:"rtpParameters"`
		AppData       struct {
			MediaType string `json:"mediaType,omitempty"`
		} `json:"appData"`
	}
	var req payload
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendJSON(cl.conn, map[string]string{"type": "error", "error": "bad_payload", "message": "invalid produce payload"})
		return
	}

	transport, found := p.Transport(req.TransportID)
	if !found {
		ctl.sendError(cl.conn, core.ErrTransportNotFound)
		return
	}
	producer, err := transport.Produce(domain.MediaKind(req.Kind), req.RTPParameters)
	if err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	screenShare := req.AppData.MediaType == "screen"
	p.AddProducer(producer, screenShare)

	ctl.sendJSON(cl.conn, map[string]string{
		"type":       "producer-created",
		"producerId": producer.ID(),
	})
	ctl.broadcastOthers(sess, p.ID, struct {
		Type        string `json:"type"`
		ProducerID  string `json:"producerId"`
		PeerID      string `json:"peerId"`
		Kind        string `json:"kind"`
		ScreenShare bool   `json:"screenShare"`
	}{
		Type:        "new-producer",
		ProducerID:  producer.ID(),
		PeerID:      string(p.ID),
		Kind:        req.Kind,
		ScreenShare: screenShare,
	})
	log.Info().Str("module", "signal").Str("pid", string(p.ID)).Str("producer", producer.ID()).Str("kind", req.Kind).Msg("producing")
}

func (ctl *Controller) handleConsume(cl *client, data []byte) {
	sess, p, ok := cl.bound()
	if !ok {
		ctl.sendError(cl.conn, core.ErrParticipantNotFound)
		return
	}
	type payload struct {
		Type            string          `json:"type"`
		ProducerID      string          `json:"producerId"`
		RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	var req payload
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendJSON(cl.conn, map[string]string{"type": "error", "error": "bad_payload", "message": "invalid consume payload"})
		return
	}

	producer, owner, found := sess.FindProducerByID(req.ProducerID)
	if !found {
		ctl.sendError(cl.conn, core.ErrProducerNotFound)
		return
	}
	if !ctl.Router.CanConsume(req.ProducerID, req.RTPCapabilities) {
		ctl.sendError(cl.conn, core.ErrIncompatibleCaps)
		return
	}
	transport, found := p.Transport(cl.recvTransport())
	if !found {
		ctl.sendError(cl.conn, core.ErrTransportNotFound)
		return
	}

	consumer, err := transport.Consume(req.ProducerID, req.RTPCapabilities, true)
	if err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	entry, _ := owner.Producer(req.ProducerID)
	p.AddConsumer(consumer, owner.ID, entry.ScreenShare)

	params, err := json.Marshal(consumer.RTPParameters())
	if err != nil {
		params = json.RawMessage("null")
	}
	ctl.sendJSON(cl.conn, struct {
		Type          string          `json:"type"`
		ConsumerID    string          `json:"consumerId"`
		ProducerID    string          `json:"producerId"`
		PeerID        string          `json:"peerId"`
		Kind          string          `json:"kind"`
		RTPParameters json.RawMessage `json:"rtpParameters"`
	}{
		Type:          "consumer-created",
		ConsumerID:    consumer.ID(),
		ProducerID:    producer.ID(),
		PeerID:        string(owner.ID),
		Kind:          string(consumer.Kind()),
		RTPParameters: params,
	})
}

func (ctl *Controller) handleResumeConsumer(cl *client, data []byte) {
	_, p, ok := cl.bound()
	if !ok {
		ctl.sendError(cl.conn, core.ErrParticipantNotFound)
		return
	}
	type payload struct {
		Type       string `json:"type"`
		ConsumerID string `json:"consumerId"`
	}
	var req payload
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendJSON(cl.conn, map[string]string{"type": "error", "error": "bad_payload", "message": "invalid resume-consumer payload"})
		return
	}

	entry, found := p.Consumer(req.ConsumerID)
	if !found {
		ctl.sendError(cl.conn, core.ErrConsumerNotFound)
		return
	}
	if err := entry.Consumer.Resume(); err != nil {
		ctl.sendError(cl.conn, err)
		return
	}
	ctl.sendJSON(cl.conn, map[string]string{
		"type":       "consumer-resumed",
		"consumerId": req.ConsumerID,
	})
}

// handleReceiveReady replays existing producers to a joiner that just
// confirmed its receive transport. Explicit readiness replaces the old
// replay-after-delay behavior, which raced the transport setup.
func (ctl *Controller) handleReceiveReady(cl *client) {
	sess, p, ok := cl.bound()
	if !ok {
		return
	}
	for _, other := range sess.ActiveParticipants() {
		if other.ID == p.ID {
			continue
		}
		for _, entry := range other.Producers() {
			ctl.sendJSON(cl.conn, struct {
				Type        string `json:"type"`
				ProducerID  string `json:"producerId"`
				PeerID      string `json:"peerId"`
				Kind        string `json:"kind"`
				ScreenShare bool   `json:"screenShare"`
			}{
				Type:        "new-producer",
				ProducerID:  entry.Producer.ID(),
				PeerID:      string(other.ID),
				Kind:        string(entry.Producer.Kind()),
				ScreenShare: entry.ScreenShare,
			})
		}
	}
}

// handleProducerByPeer lets a receiver restore a presenter's camera feed
// after a screen share ends.
func (ctl *Controller) handleProducerByPeer(cl *client, data []byte) {
	sess, _, ok := cl.bound()
	if !ok {
		ctl.sendError(cl.conn, core.ErrParticipantNotFound)
		return
	}
	type payload struct {
		Type   string `json:"type"`
		PeerID string `json:"peerId"`
		Kind   string `json:"kind"`
	}
	var req payload
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.sendJSON(cl.conn, map[string]string{"type": "error", "error": "bad_payload", "message": "invalid get-producer-by-peer payload"})
		return
	}
	if req.Kind == "" {
		req.Kind = string(domain.MediaVideo)
	}

	peer, found := sess.Participant(domain.ParticipantID(req.PeerID))
	if !found {
		ctl.sendError(cl.conn, core.ErrParticipantNotFound)
		return
	}
	producer, found := peer.ProducerByKind(domain.MediaKind(req.Kind), false)
	if !found {
		ctl.sendError(cl.conn, core.ErrProducerNotFound)
		return
	}
	ctl.sendJSON(cl.conn, map[string]string{
		"type":       "producer-by-peer",
		"peerId":     req.PeerID,
		"producerId": producer.ID(),
		"kind":       req.Kind,
	})
}

func (ctl *Controller) handleScreenShare(cl *client, data []byte) {
	sess, p, ok := cl.bound()
	if !ok {
		return
	}
	type payload struct {
		Type       string `json:"type"`
		Sharing    bool   `json:"sharing"`
		ProducerID string `json:"producerId,omitempty"`
	}
	var req payload
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	ctl.broadcastOthers(sess, p.ID, struct {
		Type       string `json:"type"`
		PeerID     string `json:"peerId"`
		Sharing    bool   `json:"sharing"`
		ProducerID string `json:"producerId,omitempty"`
	}{
		Type:       "screen-share-update",
		PeerID:     string(p.ID),
		Sharing:    req.Sharing,
		ProducerID: req.ProducerID,
	})
}
