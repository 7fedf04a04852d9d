package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cl *client) {
	defer func() {
		ctl.handleSocketGone(ctx, cl)
		cl.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := cl.conn.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Msg("readPump read error")
				return
			}
			ctl.dispatch(ctx, cl, data)
		}
	}
}

func (ctl *Controller) dispatch(ctx context.Context, cl *client, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "join-room":
		ctl.handleJoin(ctx, cl, data, false)
	case "rejoin-room":
		ctl.handleJoin(ctx, cl, data, true)
	case "leave-room":
		ctl.handleLeave(cl)
	case "end-meeting":
		ctl.handleEndMeeting(ctx, cl)
	case "get-router-rtp-capabilities":
		ctl.handleRouterCapabilities(cl)
	case "create-transport":
		ctl.handleCreateTransport(cl, data)
	case "connect-transport":
		ctl.handleConnectTransport(cl, data)
	case "produce":
		ctl.handleProduce(cl, data)
	case "consume":
		ctl.handleConsume(cl, data)
	case "resume-consumer":
		ctl.handleResumeConsumer(cl, data)
	case "receive-transport-ready":
		ctl.handleReceiveReady(cl)
	case "get-producer-by-peer":
		ctl.handleProducerByPeer(cl, data)
	case "screen-share-status":
		ctl.handleScreenShare(cl, data)
	case "typing":
		ctl.handleTyping(cl, data)
	case "chat-message":
		ctl.handleChatMessage(cl, data)
	case "file-uploaded":
		ctl.handleFileUploaded(cl, data)
	case "start-recording":
		ctl.handleStartRecording(ctx, cl)
	case "stop-recording":
		ctl.handleStopRecording(ctx, cl)
	case "get-recording-status":
		ctl.handleRecordingStatus(cl)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}
